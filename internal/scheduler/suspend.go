package scheduler

import (
	"context"
	"time"
)

// Awaitable is an operation a task can suspend on.
//
// Await is called without a worker slot held. It should block until the
// operation completes or ctx is done.
type Awaitable interface {
	Await(ctx context.Context) (any, error)
}

// AwaitFunc adapts an ordinary function to [Awaitable].
type AwaitFunc func(ctx context.Context) (any, error)

// Await calls f(ctx).
func (f AwaitFunc) Await(ctx context.Context) (any, error) {
	return f(ctx)
}

// Sleep returns an [Awaitable] that completes after d has elapsed.
func Sleep(d time.Duration) Awaitable {
	return AwaitFunc(func(ctx context.Context) (any, error) {
		if d <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

// Suspend is the handle a running task uses to give up its worker slot.
//
// A Suspend belongs to one task and must only be used from that task's
// goroutine.
type Suspend struct {
	sched *Scheduler
	task  *Task
	ctx   context.Context

	hooks []func()
}

// Yield suspends the task until a completes, then resumes it on a worker
// slot and returns a's result.
func (s *Suspend) Yield(a Awaitable) (any, error) {
	s.sched.park()
	defer s.sched.unpark()

	return a.Await(s.ctx)
}

// Do yields on fn. It is the form used for transport I/O.
func (s *Suspend) Do(fn func(ctx context.Context) error) error {
	s.sched.park()
	defer s.sched.unpark()

	return fn(s.ctx)
}

// Sleep yields on a timer of duration d.
func (s *Suspend) Sleep(d time.Duration) error {
	_, err := s.Yield(Sleep(d))
	return err
}

// Context returns the context the task was submitted with.
func (s *Suspend) Context() context.Context {
	return s.ctx
}

// TaskID returns the owning task's identifier.
func (s *Suspend) TaskID() string {
	return s.task.id
}

// Draining reports whether the scheduler has begun draining.
func (s *Suspend) Draining() bool {
	return s.sched.Draining()
}

// OnExit registers fn to run when the task function returns or panics,
// while the task still holds its worker slot. Hooks run in reverse order of
// registration.
func (s *Suspend) OnExit(fn func()) {
	s.hooks = append(s.hooks, fn)
}

func (s *Suspend) runExitHooks() {
	for i := len(s.hooks) - 1; i >= 0; i-- {
		s.hooks[i]()
	}
	s.hooks = nil
}
