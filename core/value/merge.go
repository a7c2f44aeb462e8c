package value

// MergeMaps returns a deep copy of base with every entry of overlay applied
// on top. Collisions resolve in favor of overlay; the merge is shallow, so a
// nested map in overlay replaces the nested map in base wholesale.
func MergeMaps(base, overlay map[string]any) map[string]any {
	out := CloneMap(base)
	for k, v := range overlay {
		out[k] = Clone(v)
	}
	return out
}

// UnionLists concatenates a and b and drops structurally equal duplicates,
// keeping the first occurrence. Elements of any kind are supported; the
// comparison is quadratic, which is fine for context-sized lists.
func UnionLists(a, b []any) []any {
	out := make([]any, 0, len(a)+len(b))
	for _, item := range a {
		out = appendUnique(out, item)
	}
	for _, item := range b {
		out = appendUnique(out, item)
	}
	return out
}

func appendUnique(list []any, item any) []any {
	for _, existing := range list {
		if Equal(existing, item) {
			return list
		}
	}
	return append(list, Clone(item))
}

// MergeValue combines theirs and ours for one key. Two maps are unioned with
// ours winning collisions, two lists are unioned, and anything else keeps
// ours.
func MergeValue(theirs, ours any) any {
	switch o := ours.(type) {
	case map[string]any:
		if t, ok := theirs.(map[string]any); ok {
			return MergeMaps(t, o)
		}
	case []any:
		if t, ok := theirs.([]any); ok {
			return UnionLists(t, o)
		}
	}
	return Clone(ours)
}
