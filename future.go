package restflow

import (
	"context"

	"github.com/jpalmerr/restflow/internal/scheduler"
)

// Future is the handle to a submitted task. It resolves exactly once, to the
// task function's return values or to a [*PanicError].
type Future[T any] struct {
	task *scheduler.Task
}

// ID returns the task's unique identifier, as seen in log lines.
func (f *Future[T]) ID() string {
	return f.task.ID()
}

// Done returns a channel that is closed when the task finishes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.task.Done()
}

// Wait blocks until the task finishes or ctx is done. Cancelling ctx does
// not affect the task.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	val, err := f.task.Wait(ctx)
	v, _ := val.(T)
	return v, err
}
