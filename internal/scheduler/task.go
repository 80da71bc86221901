package scheduler

import (
	"context"

	"github.com/google/uuid"
)

// Task is one execution of a submitted [Func].
//
// A Task resolves exactly once, to the function's return values or to a
// [*PanicError] if it panicked.
type Task struct {
	id      string
	fn      Func
	suspend *Suspend

	done chan struct{}
	val  any
	err  error
}

func newTask(s *Scheduler, ctx context.Context, fn Func) *Task {
	t := &Task{
		id:   uuid.NewString(),
		fn:   fn,
		done: make(chan struct{}),
	}
	t.suspend = &Suspend{sched: s, task: t, ctx: ctx}
	return t
}

// ID returns the task's unique identifier.
func (t *Task) ID() string {
	return t.id
}

// Done returns a channel that is closed once the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes or ctx is done.
//
// If ctx ends first, ctx.Err() is returned and the task keeps running.
func (t *Task) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.val, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the task's outcome without blocking. The final value is
// false while the task is still running.
func (t *Task) Result() (any, error, bool) {
	select {
	case <-t.done:
		return t.val, t.err, true
	default:
		return nil, nil, false
	}
}

// finish is called exactly once by the scheduler.
func (t *Task) finish(val any, err error) {
	t.val = val
	t.err = err
	close(t.done)
}
