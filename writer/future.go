package writer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrCancelled resolves futures whose task was cancelled before it started.
	ErrCancelled = errors.New("writer: task cancelled")

	// ErrPending is returned by Result when the future has not resolved yet.
	ErrPending = errors.New("writer: future not resolved")
)

const (
	statePending int32 = iota
	stateRunning
	stateDone
	stateCancelled
)

// Future is the caller-held handle of a submitted task.
//
// A future resolves exactly once, either with the task's result, the task's
// error, or ErrCancelled (or a wrapped cause) when it was cancelled while still
// queued. Cancellation never interrupts a task that has started.
type Future[T any] struct {
	done  chan struct{}
	state atomic.Int32
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Done returns a channel that is closed once the future resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx is done.
//
// Never call Wait from inside a bucket task for a future of the same bucket:
// the bucket's single writer is the caller, so the future can never resolve.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the resolved value without blocking.
// It returns ErrPending if the future has not resolved.
func (f *Future[T]) Result() (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	default:
		var zero T
		return zero, ErrPending
	}
}

// Cancel cancels the task if it has not started yet.
// It reports whether the future was cancelled by this call.
func (f *Future[T]) Cancel() bool {
	return f.cancel(ErrCancelled)
}

// Cancelled reports whether the future resolved through cancellation.
func (f *Future[T]) Cancelled() bool {
	return f.state.Load() == stateCancelled
}

func (f *Future[T]) cancel(cause error) bool {
	if !f.state.CompareAndSwap(statePending, stateCancelled) {
		return false
	}
	if !errors.Is(cause, ErrCancelled) {
		cause = fmt.Errorf("%w: %w", ErrCancelled, cause)
	}
	f.err = cause
	close(f.done)
	return true
}

// start claims the future for execution. It fails if the future was cancelled.
func (f *Future[T]) start() bool {
	return f.state.CompareAndSwap(statePending, stateRunning)
}

// finish resolves a started future.
func (f *Future[T]) finish(v T, err error) {
	f.value = v
	f.err = err
	f.state.Store(stateDone)
	close(f.done)
}

// Promise is the producing side of a Future that is resolved by code other
// than a bucket task, typically a combinator joining several futures.
type Promise[T any] struct {
	f *Future[T]
}

// NewPromise creates an unresolved promise.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{f: newFuture[T]()}
}

// Future returns the future controlled by this promise.
func (p *Promise[T]) Future() *Future[T] {
	return p.f
}

// Complete resolves the future with v. It reports false if the future was
// already resolved or cancelled.
func (p *Promise[T]) Complete(v T) bool {
	if !p.f.start() {
		return false
	}
	p.f.finish(v, nil)
	return true
}

// Fail resolves the future with err.
func (p *Promise[T]) Fail(err error) bool {
	if !p.f.start() {
		return false
	}
	var zero T
	p.f.finish(zero, err)
	return true
}

// Completed returns a future already resolved with v.
func Completed[T any](v T) *Future[T] {
	p := NewPromise[T]()
	p.Complete(v)
	return p.f
}

// Failed returns a future already resolved with err.
func Failed[T any](err error) *Future[T] {
	p := NewPromise[T]()
	p.Fail(err)
	return p.f
}

// Then returns a future resolved with fn applied to f's value.
// fn runs on a separate goroutine once f resolves, never on a bucket writer.
// Errors from f skip fn and propagate unchanged.
func Then[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	p := NewPromise[U]()
	go func() {
		<-f.Done()
		v, err := f.Result()
		if err != nil {
			p.Fail(err)
			return
		}
		u, err := fn(v)
		if err != nil {
			p.Fail(err)
			return
		}
		p.Complete(u)
	}()
	return p.f
}

// All returns a future resolved once every future in futures resolved.
//
// It waits for all of them even when some fail; a failure of one bucket does
// not cancel its siblings. If any failed, the returned future fails with the
// joined errors, each annotated with its position (the bucket index for
// fan-out submissions).
func All[T any](futures []*Future[T]) *Future[[]T] {
	p := NewPromise[[]T]()
	go func() {
		results, err := JoinAll(context.Background(), futures)
		if err != nil {
			p.Fail(err)
			return
		}
		p.Complete(results)
	}()
	return p.f
}

// JoinAll blocks until every future resolved or ctx is done and returns the
// values in order. Failures are collected and returned with errors.Join
// after all futures resolved.
func JoinAll[T any](ctx context.Context, futures []*Future[T]) ([]T, error) {
	results := make([]T, len(futures))
	var errs []error
	for i, f := range futures {
		v, err := f.Wait(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			errs = append(errs, fmt.Errorf("bucket %d: %w", i, err))
			continue
		}
		results[i] = v
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return results, nil
}
