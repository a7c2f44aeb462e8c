package conflict

import (
	"sync"
)

const (
	DefaultPriority = 5
	MinPriority     = 1
	MaxPriority     = 10
)

// PriorityTable maps agent ids to a priority in [MinPriority, MaxPriority].
// Agents missing from the table get DefaultPriority.
type PriorityTable struct {
	mu         sync.RWMutex
	priorities map[string]int
}

func NewPriorityTable(priorities map[string]int) *PriorityTable {
	t := &PriorityTable{}
	t.Replace(priorities)
	return t
}

func (t *PriorityTable) Priority(agentID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.priorities[agentID]; ok {
		return p
	}
	return DefaultPriority
}

func (t *PriorityTable) Replace(priorities map[string]int) {
	cp := make(map[string]int, len(priorities))
	for k, v := range priorities {
		cp[k] = v
	}
	t.mu.Lock()
	t.priorities = cp
	t.mu.Unlock()
}

func (t *PriorityTable) Snapshot() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cp := make(map[string]int, len(t.priorities))
	for k, v := range t.priorities {
		cp[k] = v
	}
	return cp
}

// Winner picks the higher-priority agent. Ties favor candidate, the agent
// whose write is being committed.
func (t *PriorityTable) Winner(candidate, other string) (string, map[string]int) {
	cp, op := t.Priority(candidate), t.Priority(other)
	scores := map[string]int{candidate: cp, other: op}
	if op > cp {
		return other, scores
	}
	return candidate, scores
}
