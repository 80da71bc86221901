package scheduler

import (
	"context"
	"sync"
)

// Event is a manual-reset signal. Tasks that await an unset Event are
// suspended until some other party calls [Event.Set]; the setter resumes
// all of them at once.
//
// The zero value is not usable; create Events with [NewEvent].
type Event struct {
	mu sync.Mutex
	ch chan struct{}
	on bool
}

// NewEvent returns an Event in the unset state.
func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Set signals the event, resuming every waiter. Setting a set event is a
// no-op.
func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.on {
		return
	}
	e.on = true
	close(e.ch)
}

// Reset returns the event to the unset state. Tasks already resumed are
// unaffected.
func (e *Event) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.on {
		return
	}
	e.on = false
	e.ch = make(chan struct{})
}

// IsSet reports whether the event is currently set.
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.on
}

// Await blocks until the event is set or ctx is done.
func (e *Event) Await(ctx context.Context) (any, error) {
	e.mu.Lock()
	ch := e.ch
	e.mu.Unlock()

	select {
	case <-ch:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
