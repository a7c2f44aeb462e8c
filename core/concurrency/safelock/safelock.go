package safelock

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Mutex is a mutual-exclusion lock whose Lock honors context cancellation.
// The zero value is not usable; construct with NewMutex.
type Mutex struct {
	sem    *semaphore.Weighted
	locked atomic.Bool
}

func NewMutex() *Mutex {
	return &Mutex{sem: semaphore.NewWeighted(1)}
}

// Lock blocks until the mutex is acquired or ctx is done. A context that is
// already done never acquires, even when the mutex is free.
func (m *Mutex) Lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	m.locked.Store(true)
	return nil
}

func (m *Mutex) TryLock() bool {
	if !m.sem.TryAcquire(1) {
		return false
	}
	m.locked.Store(true)
	return true
}

// Unlock releases the mutex. Unlocking an unlocked mutex panics.
func (m *Mutex) Unlock() {
	m.locked.Store(false)
	m.sem.Release(1)
}

// Locked reports whether the mutex is currently held. The answer may be
// stale by the time the caller acts on it.
func (m *Mutex) Locked() bool {
	return m.locked.Load()
}
