package synchronizer

import (
	"fmt"
	"sort"
	"time"

	"github.com/adalundhe/ctxsync/core/conflict"
	syncerr "github.com/adalundhe/ctxsync/core/errors"
	"github.com/adalundhe/ctxsync/core/versioning"
)

// CurrentContext returns the head id and a deep copy of its data.
func (s *Synchronizer) CurrentContext() (versioning.VersionID, map[string]any) {
	head := s.store.Head()
	if head == nil {
		return "", map[string]any{}
	}
	return head.VersionID, head.Snapshot()
}

func (s *Synchronizer) GetVersion(id versioning.VersionID) (*versioning.ContextVersion, error) {
	v, ok := s.store.Get(id)
	if !ok {
		return nil, syncerr.New(syncerr.KindVersionNotFound, "get_version", fmt.Sprintf("version %s not found", id))
	}
	return v.Clone(), nil
}

// History lists the bounded version history in commit order.
func (s *Synchronizer) History() []versioning.VersionID {
	return s.store.History()
}

// ActiveConflicts returns copies of the conflicts awaiting an external
// decision, oldest first.
func (s *Synchronizer) ActiveConflicts() []*conflict.ContextConflict {
	s.stateMu.Lock()
	out := make([]*conflict.ContextConflict, 0, len(s.activeConflicts))
	for _, c := range s.activeConflicts {
		out = append(out, c.Clone())
	}
	s.stateMu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ConflictID < out[j].ConflictID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// GetConflict looks the id up among active conflicts, then in the archive
// of settled ones.
func (s *Synchronizer) GetConflict(id string) (*conflict.ContextConflict, error) {
	s.stateMu.Lock()
	c, ok := s.activeConflicts[id]
	if ok {
		c = c.Clone()
	}
	s.stateMu.Unlock()
	if ok {
		return c, nil
	}

	if archived, ok := s.archive.Get(id); ok {
		return archived, nil
	}
	return nil, syncerr.New(syncerr.KindConflictNotFound, "get_conflict", fmt.Sprintf("conflict %s not found", id))
}

func (s *Synchronizer) PendingUpdates(agentID string) []*versioning.ContextVersion {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	out := make([]*versioning.ContextVersion, 0, len(s.pendingUpdates[agentID]))
	for _, v := range s.pendingUpdates[agentID] {
		out = append(out, v.Clone())
	}
	return out
}

// AcknowledgeConflict records an external decision on an active conflict
// and moves it to the archive. Pending versions are left alone; use
// ClearPending or submit a fresh update.
func (s *Synchronizer) AcknowledgeConflict(id, note string) error {
	s.stateMu.Lock()
	c, ok := s.activeConflicts[id]
	if !ok {
		s.stateMu.Unlock()
		return syncerr.New(syncerr.KindConflictNotFound, "acknowledge_conflict", fmt.Sprintf("conflict %s is not active", id))
	}
	delete(s.activeConflicts, id)
	s.stateMu.Unlock()

	c.Resolved = true
	c.ResolutionResult = &conflict.ResolutionResult{
		Strategy:   c.ResolutionStrategy,
		ResolvedBy: conflict.ResolvedByExternal,
		ResolvedAt: time.Now().UTC(),
		Note:       note,
	}
	s.archive.Add(c)
	s.logger.Info("conflict acknowledged", "conflict", id, "agents", c.ConflictingAgents)
	return nil
}

// ClearPending drops agentID's pending versions and returns how many were
// dropped.
func (s *Synchronizer) ClearPending(agentID string) int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	n := len(s.pendingUpdates[agentID])
	delete(s.pendingUpdates, agentID)
	return n
}

// VerifyVersion recomputes the version's checksum and compares it with the
// stored one.
func (s *Synchronizer) VerifyVersion(id versioning.VersionID) (bool, error) {
	v, ok := s.store.Get(id)
	if !ok {
		return false, syncerr.New(syncerr.KindVersionNotFound, "verify_version", fmt.Sprintf("version %s not found", id))
	}
	return s.verifier.Verify(v)
}

func (s *Synchronizer) SetPriorities(priorities map[string]int) {
	s.priorities.Replace(priorities)
}

func (s *Synchronizer) Priorities() map[string]int {
	return s.priorities.Snapshot()
}
