package conflict

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/adalundhe/ctxsync/core/value"
	"github.com/adalundhe/ctxsync/core/versioning"
)

const DefaultWindowSize = 5

// VersionSource supplies the recently committed versions a candidate is
// checked against.
type VersionSource interface {
	RecentOtherAgentVersions(excludeAgentID string, window int) []*versioning.ContextVersion
}

// Detector compares a candidate version against other agents' pending
// versions and their most recent committed versions.
type Detector struct {
	source  VersionSource
	chooser *Chooser
	window  int
	now     func() time.Time
}

func NewDetector(source VersionSource, chooser *Chooser, window int) *Detector {
	if window <= 0 {
		window = DefaultWindowSize
	}
	if chooser == nil {
		chooser = &Chooser{}
	}
	return &Detector{
		source:  source,
		chooser: chooser,
		window:  window,
		now:     time.Now,
	}
}

// Detect returns every conflict between candidate and the versions it is
// checked against. pending maps agent ids to their uncommitted versions;
// the candidate's own agent is skipped.
func (d *Detector) Detect(candidate *versioning.ContextVersion, pending map[string][]*versioning.ContextVersion) []*ContextConflict {
	var conflicts []*ContextConflict

	for _, agentID := range sortedAgents(pending) {
		if agentID == candidate.AgentID {
			continue
		}
		for _, other := range pending[agentID] {
			if c, ok := d.CompareVersions(candidate, other); ok {
				conflicts = append(conflicts, c)
			}
		}
	}

	for _, other := range d.source.RecentOtherAgentVersions(candidate.AgentID, d.window) {
		if c, ok := d.CompareVersions(candidate, other); ok {
			conflicts = append(conflicts, c)
		}
	}
	return conflicts
}

// CompareVersions reports the keys present in both versions whose values
// differ structurally. No conflict is produced when there are none.
func (d *Detector) CompareVersions(a, b *versioning.ContextVersion) (*ContextConflict, bool) {
	var keys []string
	for k, av := range a.Data {
		bv, shared := b.Data[k]
		if shared && !value.Equal(av, bv) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, false
	}
	sort.Strings(keys)

	theirs := make(map[string]any, len(keys))
	for _, k := range keys {
		theirs[k] = value.Clone(b.Data[k])
	}

	return &ContextConflict{
		ConflictID:         uuid.NewString(),
		ConflictingAgents:  [2]string{a.AgentID, b.AgentID},
		ConflictingKeys:    keys,
		ConflictType:       ValueConflict,
		ResolutionStrategy: d.chooser.Choose(keys),
		CreatedAt:          d.now().UTC(),
		VersionIDs:         [2]versioning.VersionID{a.VersionID, b.VersionID},
		TheirValues:        theirs,
	}, true
}

func (d *Detector) Window() int {
	return d.window
}

func sortedAgents(pending map[string][]*versioning.ContextVersion) []string {
	agents := make([]string, 0, len(pending))
	for agentID := range pending {
		agents = append(agents, agentID)
	}
	sort.Strings(agents)
	return agents
}
