package orchestrator

import "sync"

// Lock is the orchestrator-wide exclusive gate: at most one update job may
// be staging or applying at any time. It is held as a field of the
// service, never a bare process-wide flag.
type Lock struct {
	// mu protects the holder field.
	mu sync.Mutex
	// holder is the update id currently holding the lock, empty if free.
	holder string
}

// NewLock returns an unheld lock.
func NewLock() *Lock {
	return &Lock{}
}

// TryAcquire takes the lock for the given update id. It returns false
// immediately when another job holds it; it never queues a request.
func (l *Lock) TryAcquire(updateID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holder != "" {
		return false
	}

	l.holder = updateID

	return true
}

// Release frees the lock. Safe to call when the lock is already free.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.holder = ""
}

// Holder returns the update id currently holding the lock, or empty.
func (l *Lock) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.holder
}
