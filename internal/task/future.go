package task

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/gattflow/internal/op"
)

// Result is the final outcome of a Task.
type Result struct {
	Task     uuid.UUID
	Kind     op.Kind
	Node     string
	Value    []byte
	Services []string
	Found    []op.Discovery
	Err      error
	Retries  int
	// Redundant is set when the node was already in the requested state and
	// the radio was never touched.
	Redundant bool
	Duration  time.Duration
}

// Future is a one-shot completion contract.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	fulfilled bool
	res       Result
	cancelled atomic.Bool
}

// NewFuture returns an unfulfilled future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Fulfill records r and wakes waiters. Only the first call has an effect;
// later calls return false.
func (f *Future) Fulfill(r Result) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fulfilled {
		return false
	}
	f.fulfilled = true
	f.res = r
	close(f.done)
	return true
}

// Fulfilled reports whether Fulfill has been called.
func (f *Future) Fulfilled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fulfilled
}

// Done is closed once the future is fulfilled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the outcome if available.
func (f *Future) Result() (Result, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.res, f.fulfilled
}

// Wait blocks until the future is fulfilled or ctx ends. The returned error
// is the task's error, or ctx.Err() if ctx ended first.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		r, _ := f.Result()
		return r, r.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// MarkCancelled flags the request as cancelled. It reports whether this
// call changed the flag.
func (f *Future) MarkCancelled() bool { return f.cancelled.CompareAndSwap(false, true) }

// Cancelled reports whether the request was cancelled.
func (f *Future) Cancelled() bool { return f.cancelled.Load() }
