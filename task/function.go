package task

import "context"

// FunctionBody is the body of a Function[T]: it receives the owning
// Function so it can call SetResult before returning nil for success.
type FunctionBody[T any] func(ctx context.Context, self *Function[T]) error

// Function is a Task that additionally carries a typed result. SetResult is
// only legal while the task is Running; a body that finishes successfully
// without ever calling SetResult is treated as a failure (ErrNoResult),
// guaranteeing that every caller of OnResultAvailable sees a materialized
// value.
type Function[T any] struct {
	*Task

	resultMu  chanMutex
	result    T
	resultSet bool
}

// chanMutex is a tiny mutex implemented with a buffered channel so
// Function[T] does not need to embed sync.Mutex (which would be
// copyable-by-mistake alongside the generic result field).
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	m := make(chanMutex, 1)
	m <- struct{}{}
	return m
}

func (m chanMutex) Lock()   { <-m }
func (m chanMutex) Unlock() { m <- struct{}{} }

// NewFunction creates a Function[T] wrapping body.
func (s *Scheduler) NewFunction(body FunctionBody[any]) *Function[any] {
	return newFunction(s, body)
}

func newFunction[T any](s *Scheduler, body FunctionBody[T]) *Function[T] {
	f := &Function[T]{resultMu: newChanMutex()}
	f.Task = newTask(s, func(ctx context.Context, self *Task) error {
		err := body(ctx, f)
		if err == nil && !f.hasResult() {
			return ErrNoResult
		}
		return err
	}, false)
	s.register(f.Task)
	return f
}

// NewTypedFunction creates a Function[T] for an explicit type parameter,
// since Go methods cannot introduce new type parameters.
func NewTypedFunction[T any](s *Scheduler, body FunctionBody[T]) *Function[T] {
	return newFunction(s, body)
}

func (f *Function[T]) hasResult() bool {
	f.resultMu.Lock()
	defer f.resultMu.Unlock()
	return f.resultSet
}

// SetResult stores the task's typed result. It is only legal while the
// task is Running.
func (f *Function[T]) SetResult(v T) error {
	if f.Task.State() != Running {
		return ErrPrecondition
	}
	f.resultMu.Lock()
	f.result = v
	f.resultSet = true
	f.resultMu.Unlock()
	return nil
}

// Result returns the stored result. It fails with ErrNoResult if none was
// ever set (including if the task has not finished yet).
func (f *Function[T]) Result() (T, error) {
	f.resultMu.Lock()
	defer f.resultMu.Unlock()
	if !f.resultSet {
		var zero T
		return zero, ErrNoResult
	}
	return f.result, nil
}

// OnResultAvailable is sugar over OnFinished that delivers the typed result.
// If no result is stored, fn is not called (defensive: the run loop already
// guarantees this cannot happen for a Finished function, see newFunction).
func (f *Function[T]) OnResultAvailable(fn func(self *Function[T], result T), opts ...HandlerOption) HandlerToken {
	return f.Task.OnFinished(func(*Task) {
		if v, err := f.Result(); err == nil {
			fn(f, v)
		}
	}, opts...)
}
