package core

import "sync"

// LockService guards a source/target pair so only one migration operates on
// it at a time. Acquire returns false when the lock is already held; Release
// is idempotent.
type LockService interface {
	Acquire(id string) bool
	Release(id string)
}

// InProcessLocks is the default in-process LockService.
type InProcessLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewInProcessLocks creates an empty lock table.
func NewInProcessLocks() *InProcessLocks {
	return &InProcessLocks{
		held: make(map[string]struct{}),
	}
}

// Acquire takes the lock for id, returning false if it is held.
func (l *InProcessLocks) Acquire(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[id]; ok {
		return false
	}
	l.held[id] = struct{}{}
	return true
}

// Release frees the lock for id.
func (l *InProcessLocks) Release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
}
