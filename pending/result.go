package pending

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled is the cancellation signal delivered to waiters of a cancelled
// Result. It is distinct from any failure.
var ErrCancelled = errors.New("operation cancelled")

// Result is a single-slot pending value that is settled exactly once, either
// with a value, an error or a cancellation. Any number of goroutines may wait
// on it.
type Result[T any] struct {
	once sync.Once
	done chan struct{}

	value T
	err   error
}

func New[T any]() *Result[T] {
	return &Result[T]{
		done: make(chan struct{}),
	}
}

// Resolve settles the result with v. It reports whether this call settled the
// result; later calls are no-ops.
func (r *Result[T]) Resolve(v T) bool {
	return r.settle(v, nil)
}

// Reject settles the result with err.
func (r *Result[T]) Reject(err error) bool {
	var zero T
	return r.settle(zero, err)
}

// Cancel settles the result with ErrCancelled.
func (r *Result[T]) Cancel() bool {
	var zero T
	return r.settle(zero, ErrCancelled)
}

// Wait blocks until the result is settled or ctx is done. Abandoning a wait
// leaves the result unsettled.
func (r *Result[T]) Wait(ctx context.Context) (T, error) {
	if r.IsSettled() {
		return r.value, r.err
	}

	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed once the result is settled.
func (r *Result[T]) Done() <-chan struct{} {
	return r.done
}

func (r *Result[T]) IsSettled() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *Result[T]) settle(v T, err error) bool {
	var settled bool
	r.once.Do(func() {
		r.value = v
		r.err = err
		close(r.done)
		settled = true
	})
	return settled
}
