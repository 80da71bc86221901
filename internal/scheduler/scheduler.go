package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// ErrDraining is returned by [Scheduler.Submit] once [Scheduler.Drain] has
// been called.
var ErrDraining = errors.New("scheduler is draining")

// errGoexit is recorded for tasks whose goroutine exited through
// runtime.Goexit instead of returning.
var errGoexit = errors.New("task exited without returning")

// Func is the body of a task. It receives the task's [Suspend] handle and
// returns the task's result.
type Func func(s *Suspend) (any, error)

// Stats is a point-in-time snapshot of scheduler activity.
type Stats struct {
	// Workers is the number of worker slots.
	Workers int

	// Submitted is the number of tasks accepted since creation.
	Submitted int64

	// Running is the number of tasks currently holding a worker slot.
	Running int64

	// Suspended is the number of tasks parked at a suspension point.
	Suspended int64

	// Completed is the number of tasks that returned without error.
	Completed int64

	// Failed is the number of tasks that returned an error or panicked.
	Failed int64
}

// Scheduler multiplexes cooperative tasks onto a fixed set of worker slots.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	workers int
	slots   *semaphore.Weighted
	logger  *slog.Logger

	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup

	submitted atomic.Int64
	running   atomic.Int64
	suspended atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// New creates a [Scheduler] with the given number of worker slots.
//
// If workers is zero or negative, runtime.GOMAXPROCS(0) is used. If logger
// is nil, slog.Default() is used.
func New(workers int, logger *slog.Logger) *Scheduler {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		workers: workers,
		slots:   semaphore.NewWeighted(int64(workers)),
		logger:  logger,
	}
}

// Workers returns the number of worker slots.
func (s *Scheduler) Workers() int {
	return s.workers
}

// Submit enqueues fn as a new [Task] and returns immediately.
//
// The ctx is handed to every [Awaitable] the task yields on; cancelling it is
// the task's own business, the scheduler never cancels tasks. Returns
// [ErrDraining] if the scheduler no longer accepts work.
func (s *Scheduler) Submit(ctx context.Context, fn Func) (*Task, error) {
	if fn == nil {
		return nil, errors.New("task function cannot be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return nil, ErrDraining
	}
	s.wg.Add(1)
	s.mu.Unlock()

	t := newTask(s, ctx, fn)
	s.submitted.Add(1)

	go s.run(t)
	return t, nil
}

// Drain stops accepting new tasks and blocks until every submitted task has
// finished. In-flight tasks are not interrupted; they observe
// [Suspend.Draining] at their own pace.
//
// Drain is idempotent and safe to call concurrently.
func (s *Scheduler) Drain() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	s.wg.Wait()
}

// Draining reports whether [Scheduler.Drain] has been called.
func (s *Scheduler) Draining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

// Stats returns a snapshot of the scheduler's counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Workers:   s.workers,
		Submitted: s.submitted.Load(),
		Running:   s.running.Load(),
		Suspended: s.suspended.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
	}
}

// run drives a task from its first slot acquisition to completion.
func (s *Scheduler) run(t *Task) {
	defer s.wg.Done()

	s.enter()

	val, err := any(nil), errGoexit
	defer func() {
		s.leave()
		if err != nil {
			s.failed.Add(1)
		} else {
			s.completed.Add(1)
		}
		t.finish(val, err)
		s.logger.Debug("task finished", "task_id", t.id, "error", err)
	}()

	val, err = s.invoke(t)
}

// invoke calls the task function with panic recovery. Exit hooks run before
// the panic is recovered so they see the same suspend handle either way.
func (s *Scheduler) invoke(t *Task) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := &PanicError{
				Value:         r,
				Stack:         debug.Stack(),
				CorrelationID: uuid.NewString(),
			}

			// log full context for debugging, the task result only carries the id
			s.logger.Error("task panic",
				"task_id", t.id,
				"correlation_id", perr.CorrelationID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(perr.Stack),
			)

			val, err = nil, perr
		}
	}()
	defer t.suspend.runExitHooks()

	return t.fn(t.suspend)
}

// enter blocks until a worker slot is free. Slot waiters are served in
// arrival order.
func (s *Scheduler) enter() {
	// Background never cancels, so Acquire only returns once a slot is held.
	_ = s.slots.Acquire(context.Background(), 1)
	s.running.Add(1)
}

// leave hands the worker slot back.
func (s *Scheduler) leave() {
	s.running.Add(-1)
	s.slots.Release(1)
}

// park is leave for a task that will come back.
func (s *Scheduler) park() {
	s.suspended.Add(1)
	s.leave()
}

func (s *Scheduler) unpark() {
	s.enter()
	s.suspended.Add(-1)
}

// PanicError is the failure recorded for a task that panicked.
type PanicError struct {
	// Value is the value passed to panic.
	Value any

	// Stack is the goroutine stack captured at recovery.
	Stack []byte

	// CorrelationID ties this error to the logged stack trace.
	CorrelationID string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panic: %v (correlation_id: %s)", e.Value, e.CorrelationID)
}

// Unwrap returns the panic value if it was an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
