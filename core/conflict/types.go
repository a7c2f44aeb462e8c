package conflict

import (
	"fmt"
	"strings"
	"time"

	"github.com/adalundhe/ctxsync/core/value"
	"github.com/adalundhe/ctxsync/core/versioning"
)

type Strategy string

const (
	LastWriterWins   Strategy = "LAST_WRITER_WINS"
	MergeStrategy    Strategy = "MERGE_STRATEGY"
	PriorityBased    Strategy = "PRIORITY_BASED"
	ManualResolution Strategy = "MANUAL_RESOLUTION"
	RollbackAndRetry Strategy = "ROLLBACK_AND_RETRY"
)

var knownStrategies = map[Strategy]struct{}{
	LastWriterWins:   {},
	MergeStrategy:    {},
	PriorityBased:    {},
	ManualResolution: {},
	RollbackAndRetry: {},
}

func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := knownStrategies[st]; !ok {
		return "", fmt.Errorf("unknown resolution strategy %q", s)
	}
	return st, nil
}

type Type string

const ValueConflict Type = "VALUE_CONFLICT"

// ResolutionResult describes what was applied to settle a conflict.
type ResolutionResult struct {
	Strategy   Strategy  `json:"strategy"`
	ResolvedBy string    `json:"resolved_by"`
	ResolvedAt time.Time `json:"resolved_at"`

	// WinningAgent and Priorities are set by PRIORITY_BASED. Applied stays
	// false: the winner is identified but its values are not written.
	WinningAgent string         `json:"winning_agent,omitempty"`
	Priorities   map[string]int `json:"priorities,omitempty"`
	Applied      bool           `json:"applied"`

	MergedKeys []string `json:"merged_keys,omitempty"`
	Note       string   `json:"note,omitempty"`
}

const (
	ResolvedByEngine   = "engine"
	ResolvedByExternal = "external"
)

func (r *ResolutionResult) Clone() *ResolutionResult {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Priorities != nil {
		cp.Priorities = make(map[string]int, len(r.Priorities))
		for k, v := range r.Priorities {
			cp.Priorities[k] = v
		}
	}
	cp.MergedKeys = append([]string(nil), r.MergedKeys...)
	return &cp
}

// ContextConflict records two versions that disagree on one or more shared
// keys. ConflictingKeys is never empty. TheirValues holds the other
// version's values for those keys so strategies can merge against them.
type ContextConflict struct {
	ConflictID         string            `json:"conflict_id"`
	ConflictingAgents  [2]string         `json:"conflicting_agents"`
	ConflictingKeys    []string          `json:"conflicting_keys"`
	ConflictType       Type              `json:"conflict_type"`
	ResolutionStrategy Strategy          `json:"resolution_strategy"`
	CreatedAt          time.Time         `json:"created_at"`
	Resolved           bool              `json:"resolved"`
	ResolutionResult   *ResolutionResult `json:"resolution_result,omitempty"`

	VersionIDs  [2]versioning.VersionID `json:"version_ids"`
	TheirValues map[string]any          `json:"their_values"`
}

func (c *ContextConflict) Clone() *ContextConflict {
	cp := *c
	cp.ConflictingKeys = append([]string(nil), c.ConflictingKeys...)
	cp.TheirValues = value.CloneMap(c.TheirValues)
	cp.ResolutionResult = c.ResolutionResult.Clone()
	return &cp
}

func IDs(conflicts []*ContextConflict) []string {
	ids := make([]string, len(conflicts))
	for i, c := range conflicts {
		ids[i] = c.ConflictID
	}
	return ids
}
