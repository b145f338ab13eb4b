package runtime

import (
	"context"
	"sync"
)

// DefaultMaxQueue bounds how many runs may wait on one session before
// new arrivals are rejected.
const DefaultMaxQueue = 4

// sessionLocks serializes runs per (agent_id, session_id). Waiters
// are handed the lock in arrival order.
type sessionLocks struct {
	mu       sync.Mutex
	held     map[string]bool
	queues   map[string][]chan struct{}
	maxQueue int
}

func newSessionLocks(maxQueue int) *sessionLocks {
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueue
	}
	return &sessionLocks{
		held:     make(map[string]bool),
		queues:   make(map[string][]chan struct{}),
		maxQueue: maxQueue,
	}
}

// acquire takes the lock for key. With failFast it returns ErrBusy
// when the lock is held; otherwise it waits in FIFO order, bounded by
// maxQueue, until handed the lock or ctx ends.
func (l *sessionLocks) acquire(ctx context.Context, key string, failFast bool) error {
	l.mu.Lock()
	if !l.held[key] {
		l.held[key] = true
		l.mu.Unlock()
		return nil
	}
	if failFast || len(l.queues[key]) >= l.maxQueue {
		l.mu.Unlock()
		return ErrBusy
	}
	ch := make(chan struct{})
	l.queues[key] = append(l.queues[key], ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		q := l.queues[key]
		for i, c := range q {
			if c == ch {
				l.queues[key] = append(q[:i:i], q[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// The lock was handed over while we were giving up; pass it
		// on so the session does not deadlock.
		l.release(key)
		return ctx.Err()
	}
}

// release hands the lock to the oldest waiter, or frees it.
func (l *sessionLocks) release(key string) {
	l.mu.Lock()
	if q := l.queues[key]; len(q) > 0 {
		ch := q[0]
		l.queues[key] = q[1:]
		if len(l.queues[key]) == 0 {
			delete(l.queues, key)
		}
		l.mu.Unlock()
		close(ch)
		return
	}
	delete(l.held, key)
	l.mu.Unlock()
}
