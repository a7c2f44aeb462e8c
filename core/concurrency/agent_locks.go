package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adalundhe/ctxsync/core/concurrency/safelock"
	syncerr "github.com/adalundhe/ctxsync/core/errors"
)

// LockManager owns one mutex per agent id, serializing that agent's own
// updates, and the single global commit lock that serializes head changes.
type LockManager struct {
	mu         sync.Mutex
	agentLocks map[string]*safelock.Mutex
	held       atomic.Int64

	commitMu sync.Mutex

	timeout time.Duration
}

// NewLockManager creates a manager. A zero timeout waits for agent locks
// without bound, limited only by the caller's context.
func NewLockManager(timeout time.Duration) *LockManager {
	return &LockManager{
		agentLocks: make(map[string]*safelock.Mutex),
		timeout:    timeout,
	}
}

func (m *LockManager) agentLock(agentID string) *safelock.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.agentLocks[agentID]
	if !ok {
		lock = safelock.NewMutex()
		m.agentLocks[agentID] = lock
	}
	return lock
}

// AcquireAgent blocks until the agent's lock is held and returns its release
// function. Release is idempotent.
func (m *LockManager) AcquireAgent(ctx context.Context, agentID string) (func(), error) {
	lock := m.agentLock(agentID)

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	if err := lock.Lock(ctx); err != nil {
		return nil, syncerr.Wrap(syncerr.KindLockUnavailable, "acquire_agent_lock",
			"agent "+agentID, err)
	}
	m.held.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.held.Add(-1)
			lock.Unlock()
		})
	}, nil
}

// WithCommitLock runs fn while holding the global commit lock.
func (m *LockManager) WithCommitLock(fn func() error) error {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	return fn()
}

// AgentLockCount is the number of agent locks created so far.
func (m *LockManager) AgentLockCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.agentLocks)
}

// HeldCount is the number of agent locks currently held.
func (m *LockManager) HeldCount() int {
	return int(m.held.Load())
}
