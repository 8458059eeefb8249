package scheduler

import (
	"context"
	"sync"
)

// Future is the read side of a single-assignment result. It is safe to
// share across goroutines; every Get observes the same outcome.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Promise is the write side. The first Set wins; later Sets are ignored,
// which keeps completion races between normal and shutdown paths benign.
type Promise[T any] struct {
	fut  *Future[T]
	once sync.Once
}

// NewPromise creates a connected promise/future pair.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{fut: &Future[T]{done: make(chan struct{})}}
}

// Future returns the read side.
func (p *Promise[T]) Future() *Future[T] { return p.fut }

// Set completes the future with a value and error.
func (p *Promise[T]) Set(val T, err error) {
	p.once.Do(func() {
		p.fut.val = val
		p.fut.err = err
		close(p.fut.done)
	})
}

// SetError completes the future with only an error.
func (p *Promise[T]) SetError(err error) {
	var zero T
	p.Set(zero, err)
}

// Get blocks until the future completes or ctx is done. A ctx expiry does
// not complete the future; other waiters are unaffected.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done exposes the completion channel for select loops.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Ready reports whether the future has completed.
func (f *Future[T]) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// WhenAll resolves once every input future has, with the values in input
// order and the first error observed (later errors are dropped). It always
// waits for all inputs, so callers know no input is still in flight.
func WhenAll[T any](futures ...*Future[T]) *Future[[]T] {
	p := NewPromise[[]T]()
	go func() {
		results := make([]T, len(futures))
		var firstErr error
		for i, f := range futures {
			v, err := f.Get(context.Background())
			results[i] = v
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
		p.Set(results, firstErr)
	}()
	return p.Future()
}
