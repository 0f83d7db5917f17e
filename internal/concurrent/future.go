package concurrent

import (
	"context"
	"sync"
)

// Future is the result of an asynchronous operation. It is completed exactly once, either with a value or with
// an error. Callbacks registered with OnComplete run on the goroutine that completes the future, or immediately
// on the caller's goroutine when the future is already done.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	value     T
	err       error
	callbacks []func(T, error)
}

// NewFuture creates an incomplete future
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a future completed with value
func Completed[T any](value T) *Future[T] {
	f := NewFuture[T]()
	f.Complete(value)
	return f
}

// Failed returns a future failed with err
func Failed[T any](err error) *Future[T] {
	f := NewFuture[T]()
	f.Fail(err)
	return f
}

// Complete completes the future with value. It returns false if the future was already completed.
func (f *Future[T]) Complete(value T) bool {
	return f.finish(value, nil)
}

// Fail completes the future with err. It returns false if the future was already completed.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.finish(zero, err)
}

// Resolve completes the future with value when err is nil, otherwise fails it
func (f *Future[T]) Resolve(value T, err error) bool {
	return f.finish(value, err)
}

func (f *Future[T]) finish(value T, err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.value = value
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(value, err)
	}
	return true
}

// OnComplete registers fn to be called with the result
func (f *Future[T]) OnComplete(fn func(T, error)) {
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	value, err := f.value, f.err
	f.mu.Unlock()
	fn(value, err)
}

// OnCompleteOn registers fn to be called with the result on executor
func (f *Future[T]) OnCompleteOn(executor Executor, fn func(T, error)) {
	f.OnComplete(func(value T, err error) {
		executor.Execute(func() { fn(value, err) })
	})
}

// Done is closed once the future is completed
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future is completed
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the result of a completed future. It must only be called after Done is closed.
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// Get waits for the future or for ctx to be done
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then returns a future completed with fn applied to the result of f
func Then[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	next := NewFuture[U]()
	f.OnComplete(func(value T, err error) {
		if err != nil {
			next.Fail(err)
			return
		}
		next.Resolve(fn(value))
	})
	return next
}

// Recover returns a future completed with the value of f, or with fn applied to its error
func (f *Future[T]) Recover(fn func(error) T) *Future[T] {
	next := NewFuture[T]()
	f.OnComplete(func(value T, err error) {
		if err != nil {
			next.Complete(fn(err))
			return
		}
		next.Complete(value)
	})
	return next
}
