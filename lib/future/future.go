// Package future provides a single-settlement result slot for asynchronous
// operations. A Future is pending until it is resolved with a value or
// rejected with an error; the first settlement wins and the state never
// changes afterwards. The state is carried by an explicit tag, so a Future
// resolved with a zero value is distinguishable from one that is still
// pending.
package future

import (
	"context"
	"sync"
)

// State describes the settlement state of a Future.
type State int32

const (
	Pending State = iota
	Fulfilled
	Rejected
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Fulfilled:
		return "Fulfilled"
	case Rejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// Future is a write-once result slot. The zero value is not usable; create
// instances with New.
type Future[T any] struct {
	mu    sync.Mutex
	state State
	value T
	err   error
	done  chan struct{}
}

// New returns a pending Future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve settles the Future with a value. It reports whether this call
// performed the settlement; once the Future is terminal, further calls to
// Resolve or Reject do nothing.
func (f *Future[T]) Resolve(value T) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != Pending {
		return false
	}

	f.value = value
	f.state = Fulfilled
	close(f.done)
	return true
}

// Reject settles the Future with an error. It reports whether this call
// performed the settlement.
func (f *Future[T]) Reject(err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != Pending {
		return false
	}

	f.err = err
	f.state = Rejected
	close(f.done)
	return true
}

// State returns the current settlement state.
func (f *Future[T]) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Settled reports whether the Future has reached a terminal state.
func (f *Future[T]) Settled() bool {
	return f.State() != Pending
}

// Done returns a channel that is closed when the Future settles.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Peek returns the value and error without blocking. The returned state is
// Pending if the Future has not settled; in that case value and err are zero.
func (f *Future[T]) Peek() (T, error, State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err, f.state
}

// Result blocks until the Future settles and returns the value or the
// rejection error.
func (f *Future[T]) Result() (T, error) {
	<-f.done

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// Wait blocks until the Future settles or ctx is done. If ctx ends first,
// the zero value and ctx's error are returned; the Future itself stays
// pending and may still settle later.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
