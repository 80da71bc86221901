package restflow

import (
	"context"
	"slices"
	"time"

	"github.com/jpalmerr/restflow/internal/scheduler"
)

// Awaitable is anything a task can suspend on with [Context.Yield].
type Awaitable = scheduler.Awaitable

// AwaitFunc adapts a blocking function to [Awaitable]. The function should
// return promptly once ctx is done.
type AwaitFunc = scheduler.AwaitFunc

// Event is a manual-reset signal tasks can wait on. Set releases every
// current and future waiter until Reset.
type Event = scheduler.Event

// NewEvent returns an unset [Event].
func NewEvent() *Event {
	return scheduler.NewEvent()
}

// Sleep returns an [Awaitable] that completes after d.
func Sleep(d time.Duration) Awaitable {
	return scheduler.Sleep(d)
}

// Context is handed to every task function. It is the task's only way to
// suspend, and the origin of its requests.
//
// A Context belongs to one task and must not be used from other goroutines
// or after the task function returns. Responses still open when the task
// function returns are closed, discarding their connections.
type Context struct {
	client *Client
	s      *scheduler.Suspend
	open   []*Response
}

func newContext(c *Client, s *scheduler.Suspend) *Context {
	return &Context{client: c, s: s}
}

// Yield suspends the task until a completes and returns its result. The
// task's worker slot is free for other tasks meanwhile.
func (c *Context) Yield(a Awaitable) (any, error) {
	return c.s.Yield(a)
}

// Sleep suspends the task for d.
func (c *Context) Sleep(d time.Duration) error {
	return c.s.Sleep(d)
}

// Wait suspends the task until e is set.
func (c *Context) Wait(e *Event) error {
	_, err := c.s.Yield(e)
	return err
}

// Draining reports whether the client has begun [Client.CloseWhenReady].
func (c *Context) Draining() bool {
	return c.s.Draining()
}

// Context returns the context the task was submitted with.
func (c *Context) Context() context.Context {
	return c.s.Context()
}

// TaskID returns the task's identifier.
func (c *Context) TaskID() string {
	return c.s.TaskID()
}

// Get starts a GET request.
func (c *Context) Get(url string) *RequestBuilder {
	return c.Request("GET", url)
}

// Post starts a POST request.
func (c *Context) Post(url string) *RequestBuilder {
	return c.Request("POST", url)
}

// Put starts a PUT request.
func (c *Context) Put(url string) *RequestBuilder {
	return c.Request("PUT", url)
}

// Patch starts a PATCH request.
func (c *Context) Patch(url string) *RequestBuilder {
	return c.Request("PATCH", url)
}

// Delete starts a DELETE request.
func (c *Context) Delete(url string) *RequestBuilder {
	return c.Request("DELETE", url)
}

// Head starts a HEAD request.
func (c *Context) Head(url string) *RequestBuilder {
	return c.Request("HEAD", url)
}

// Request starts a request with an arbitrary method.
func (c *Context) Request(method, url string) *RequestBuilder {
	return newRequestBuilder(c, method, url)
}

// block runs a transport call as a suspension point of the task.
func (c *Context) block(fn func() error) error {
	return c.s.Do(func(context.Context) error {
		return fn()
	})
}

func (c *Context) track(r *Response) {
	c.open = append(c.open, r)
}

func (c *Context) untrack(r *Response) {
	if i := slices.Index(c.open, r); i >= 0 {
		c.open = slices.Delete(c.open, i, i+1)
	}
}

// closeAll discards the connections of responses the task abandoned.
func (c *Context) closeAll() {
	for len(c.open) > 0 {
		r := c.open[len(c.open)-1]
		if r.conn != nil {
			r.client.logger.Debug("closing abandoned response",
				"task_id", c.s.TaskID(),
				"endpoint", r.endpoint.String(),
			)
		}
		r.Close()
		// Close untracks, but a settled response may linger
		c.untrack(r)
	}
}
