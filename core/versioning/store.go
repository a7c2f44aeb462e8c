package versioning

import (
	"sync"
)

const DefaultHistoryCapacity = 100

// Store holds every committed version by id plus a bounded, ordered history
// of committed ids. Commit is the only way the head moves. Callers serialize
// commits through the global commit lock; the store's own RWMutex only keeps
// the maps safe for concurrent readers.
type Store struct {
	mu       sync.RWMutex
	versions map[VersionID]*ContextVersion
	history  []VersionID
	head     VersionID
	capacity int
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &Store{
		versions: make(map[VersionID]*ContextVersion),
		history:  make([]VersionID, 0, capacity+1),
		capacity: capacity,
	}
}

func (s *Store) Get(id VersionID) (*ContextVersion, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[id]
	return v, ok
}

func (s *Store) Commit(v *ContextVersion) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.versions[v.VersionID] = v
	s.head = v.VersionID
	s.history = append(s.history, v.VersionID)
	if len(s.history) > s.capacity {
		n := copy(s.history, s.history[len(s.history)-s.capacity:])
		s.history = s.history[:n]
	}
}

func (s *Store) HeadID() VersionID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head
}

// Head returns the current head version, or nil before the first commit.
func (s *Store) Head() *ContextVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[s.head]
}

// RecentOtherAgentVersions walks the history newest first and returns up to
// window versions not authored by excludeAgentID.
func (s *Store) RecentOtherAgentVersions(excludeAgentID string, window int) []*ContextVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*ContextVersion, 0, window)
	for i := len(s.history) - 1; i >= 0 && len(result) < window; i-- {
		v := s.versions[s.history[i]]
		if v == nil || v.AgentID == excludeAgentID {
			continue
		}
		result = append(result, v)
	}
	return result
}

// History returns the retained committed ids in commit order.
func (s *Store) History() []VersionID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]VersionID(nil), s.history...)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.versions)
}

func (s *Store) Capacity() int {
	return s.capacity
}
