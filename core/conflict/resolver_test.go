package conflict

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/ctxsync/core/value"
	"github.com/adalundhe/ctxsync/core/versioning"
)

func conflictFor(t *testing.T, d *Detector, candidate, other *versioning.ContextVersion) *ContextConflict {
	t.Helper()
	c, ok := d.CompareVersions(candidate, other)
	require.True(t, ok)
	return c
}

func TestResolve_LastWriterWins(t *testing.T) {
	d := NewDetector(versioning.NewStore(10), nil, 0)
	r := NewResolver(nil, nil)

	other := newVersion(t, "A", map[string]any{"x": int64(1)})
	candidate := newVersion(t, "B", map[string]any{"x": int64(2)})
	c := conflictFor(t, d, candidate, other)

	out, err := r.Resolve(candidate, []*ContextConflict{c})
	require.NoError(t, err)
	require.True(t, out.Success)

	assert.Equal(t, int64(2), out.Version.Data["x"])
	assert.Equal(t, "RESOLVED_B", out.Version.AgentID)
	assert.Equal(t, candidate.VersionID, out.Version.ParentVersion)
	assert.Equal(t, []string{c.ConflictID}, out.Version.MergeConflicts)
	assert.True(t, c.Resolved)
	assert.Equal(t, LastWriterWins, c.ResolutionResult.Strategy)
	assert.Equal(t, ResolvedByEngine, c.ResolutionResult.ResolvedBy)
	assert.NotEqual(t, candidate.Checksum, "")
}

func TestResolve_MergeMaps(t *testing.T) {
	d := NewDetector(versioning.NewStore(10), nil, 0)
	r := NewResolver(nil, nil)

	other := newVersion(t, "A", map[string]any{"dataset": map[string]any{"a": int64(1)}})
	candidate := newVersion(t, "B", map[string]any{"dataset": map[string]any{"b": int64(2)}})
	c := conflictFor(t, d, candidate, other)
	require.Equal(t, MergeStrategy, c.ResolutionStrategy)

	out, err := r.Resolve(candidate, []*ContextConflict{c})
	require.NoError(t, err)
	require.True(t, out.Success)

	assert.Equal(t, map[string]any{"a": int64(1), "b": int64(2)}, out.Version.Data["dataset"])
	assert.Equal(t, []string{"dataset"}, c.ResolutionResult.MergedKeys)
	assert.Equal(t, map[string]any{"b": int64(2)}, candidate.Data["dataset"], "candidate untouched")
}

func TestResolve_MergeCandidateWinsCollisions(t *testing.T) {
	d := NewDetector(versioning.NewStore(10), nil, 0)
	r := NewResolver(nil, nil)

	other := newVersion(t, "A", map[string]any{"metadata": map[string]any{"k": "theirs", "a": true}})
	candidate := newVersion(t, "B", map[string]any{"metadata": map[string]any{"k": "ours"}})

	out, err := r.Resolve(candidate, []*ContextConflict{conflictFor(t, d, candidate, other)})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "ours", "a": true}, out.Version.Data["metadata"])
}

func TestResolve_MergeLists(t *testing.T) {
	d := NewDetector(versioning.NewStore(10), nil, 0)
	r := NewResolver(nil, nil)

	other := newVersion(t, "A", map[string]any{"data_tags": []any{"a", "b"}})
	candidate := newVersion(t, "B", map[string]any{"data_tags": []any{"b", "c"}})

	out, err := r.Resolve(candidate, []*ContextConflict{conflictFor(t, d, candidate, other)})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, out.Version.Data["data_tags"])
}

func TestResolve_MergeIdempotentForIdenticalContent(t *testing.T) {
	r := NewResolver(nil, nil)
	content := map[string]any{"a": int64(1), "nested": map[string]any{"k": "v"}}

	candidate := newVersion(t, "B", map[string]any{"dataset": value.CloneMap(content)})
	c := &ContextConflict{
		ConflictID:         "c1",
		ConflictingAgents:  [2]string{"B", "A"},
		ConflictingKeys:    []string{"dataset"},
		ResolutionStrategy: MergeStrategy,
		TheirValues:        map[string]any{"dataset": value.CloneMap(content)},
	}

	out, err := r.Resolve(candidate, []*ContextConflict{c})
	require.NoError(t, err)
	assert.True(t, value.Equal(content, out.Version.Data["dataset"]))
}

func TestResolve_MergeAccumulatesAcrossConflicts(t *testing.T) {
	d := NewDetector(versioning.NewStore(10), nil, 0)
	r := NewResolver(nil, nil)

	a := newVersion(t, "A", map[string]any{"dataset": map[string]any{"a": int64(1)}})
	c := newVersion(t, "C", map[string]any{"dataset": map[string]any{"c": int64(3)}})
	candidate := newVersion(t, "B", map[string]any{"dataset": map[string]any{"b": int64(2)}})

	out, err := r.Resolve(candidate, []*ContextConflict{
		conflictFor(t, d, candidate, a),
		conflictFor(t, d, candidate, c),
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": int64(1), "b": int64(2), "c": int64(3)}, out.Version.Data["dataset"])
}

func TestResolve_PriorityBasedIdentifiesWinnerOnly(t *testing.T) {
	d := NewDetector(versioning.NewStore(10), nil, 0)
	r := NewResolver(NewPriorityTable(map[string]int{"A": 9, "B": 3}), nil)

	other := newVersion(t, "A", map[string]any{"config": "a"})
	candidate := newVersion(t, "B", map[string]any{"config": "b"})
	c := conflictFor(t, d, candidate, other)
	require.Equal(t, PriorityBased, c.ResolutionStrategy)

	out, err := r.Resolve(candidate, []*ContextConflict{c})
	require.NoError(t, err)
	require.True(t, out.Success)

	assert.Equal(t, "A", c.ResolutionResult.WinningAgent)
	assert.Equal(t, map[string]int{"A": 9, "B": 3}, c.ResolutionResult.Priorities)
	assert.False(t, c.ResolutionResult.Applied)
	assert.Equal(t, "b", out.Version.Data["config"], "winner values are not applied")
	assert.Equal(t, "a", c.TheirValues["config"])
}

func TestResolve_UnhandledStrategiesFail(t *testing.T) {
	for _, st := range []Strategy{ManualResolution, RollbackAndRetry, Strategy("UNKNOWN")} {
		t.Run(string(st), func(t *testing.T) {
			var logs bytes.Buffer
			r := NewResolver(nil, slog.New(slog.NewTextHandler(&logs, nil)))
			candidate := newVersion(t, "B", map[string]any{"x": int64(2), "y": int64(1)})

			lww := &ContextConflict{ConflictID: "ok", ConflictingKeys: []string{"y"}, ResolutionStrategy: LastWriterWins}
			bad := &ContextConflict{ConflictID: "bad", ConflictingKeys: []string{"x"}, ResolutionStrategy: st}

			out, err := r.Resolve(candidate, []*ContextConflict{lww, bad})
			require.NoError(t, err)
			assert.False(t, out.Success)
			assert.Nil(t, out.Version)
			require.Len(t, out.Unresolved, 1)
			assert.Equal(t, "bad", out.Unresolved[0].ConflictID)
			assert.False(t, lww.Resolved, "partial work is discarded")
			assert.Nil(t, lww.ResolutionResult)
			assert.Contains(t, logs.String(), "conflicts left unresolved")
		})
	}
}

func TestPriorityTable(t *testing.T) {
	pt := NewPriorityTable(map[string]int{"A": 8})
	assert.Equal(t, 8, pt.Priority("A"))
	assert.Equal(t, DefaultPriority, pt.Priority("missing"))

	winner, _ := pt.Winner("B", "C")
	assert.Equal(t, "B", winner, "ties favor the candidate")

	pt.Replace(map[string]int{"C": 10})
	winner, scores := pt.Winner("B", "C")
	assert.Equal(t, "C", winner)
	assert.Equal(t, map[string]int{"B": 5, "C": 10}, scores)
	assert.Equal(t, map[string]int{"C": 10}, pt.Snapshot())
}

func TestArchive(t *testing.T) {
	a, err := NewArchive(2)
	require.NoError(t, err)

	for _, id := range []string{"c1", "c2", "c3"} {
		a.Add(&ContextConflict{ConflictID: id, ConflictingKeys: []string{"x"}})
	}
	assert.Equal(t, 2, a.Len())

	_, ok := a.Get("c1")
	assert.False(t, ok, "oldest entry evicted")

	got, ok := a.Get("c3")
	require.True(t, ok)
	got.ConflictingKeys[0] = "mutated"

	again, _ := a.Get("c3")
	assert.Equal(t, "x", again.ConflictingKeys[0])
}
