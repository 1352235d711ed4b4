package gate

import (
	"context"
	"sync"
	"time"

	"github.com/harun/deskchat/internal/observability"
)

// WorkerLocks serializes generations that share a (profile, worker) pair.
// Waiters are not served in FIFO order.
type WorkerLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewWorkerLocks creates an empty lock table.
func NewWorkerLocks() *WorkerLocks {
	return &WorkerLocks{locks: make(map[string]chan struct{})}
}

func (w *WorkerLocks) lockFor(k string) chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ch, ok := w.locks[k]; ok {
		return ch
	}
	ch := make(chan struct{}, 1)
	w.locks[k] = ch
	return ch
}

// Lock blocks until the worker is free or ctx is done. The returned unlock
// function is safe to call more than once.
func (w *WorkerLocks) Lock(ctx context.Context, profileID, worker string) (func(), error) {
	ch := w.lockFor(key(profileID, worker))
	start := time.Now()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	observability.RecordWorkerLockWait(worker, time.Since(start))

	var once sync.Once
	return func() {
		once.Do(func() { <-ch })
	}, nil
}

// TryLock takes the worker lock only if it is free.
func (w *WorkerLocks) TryLock(profileID, worker string) (func(), bool) {
	ch := w.lockFor(key(profileID, worker))
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, true
	default:
		return nil, false
	}
}

// Size returns the number of lock entries created so far.
func (w *WorkerLocks) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.locks)
}
