package restflow

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/jpalmerr/restflow/internal/jsonstream"
	"github.com/jpalmerr/restflow/internal/pool"
	"github.com/jpalmerr/restflow/internal/wire"
)

// tailDrainLimit is how many unread body bytes are consumed after a decoded
// value to make the connection reusable.
const tailDrainLimit = 4096

// Response is a response whose body is still on its connection.
//
// The connection stays checked out until the body is read to its end, at
// which point it returns to the pool if the server allows reuse. Closing a
// response early, or returning from the task without reading it, discards
// the connection instead. Reading is lazy: bytes are taken off the socket
// only as the caller asks for them.
//
// Reading to io.EOF only records the end of the body. The connection is
// handed back by [Response.Close], [Response.Bytes], a successful
// [Response.Decode], or an [Iterator] reaching the end of its array.
//
// A Response belongs to the task that executed it.
type Response struct {
	client   *Client
	tc       *Context
	ctx      context.Context
	endpoint Endpoint
	head     *wire.Response

	// nil once the connection has been released or discarded
	conn   *pool.Conn
	stop   func() bool
	cancel context.CancelFunc

	// set once a decoder owns the body; buffered-ahead bytes then say
	// nothing about whether the caller is finished
	decoding bool

	err error
}

// StatusCode returns the HTTP status code.
func (r *Response) StatusCode() int { return r.head.StatusCode }

// Status returns the status line, e.g. "200 OK".
func (r *Response) Status() string { return r.head.Status }

// Header returns the response headers.
func (r *Response) Header() http.Header { return r.head.Header }

// Proto returns the protocol version, e.g. "HTTP/1.1".
func (r *Response) Proto() string { return r.head.Proto }

// ContentLength returns the declared body length, or -1 if unknown.
func (r *Response) ContentLength() int64 { return r.head.ContentLength }

// Endpoint returns the endpoint that served the response.
func (r *Response) Endpoint() Endpoint { return r.endpoint }

// Read implements io.Reader over the response body. Reads suspend the task
// while the socket has nothing buffered.
//
// A transport failure is returned as a [*TransportError]; reading after
// [Response.Close] on an unfinished body returns [ErrBodyClosed].
func (r *Response) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}

	n, err := r.head.Body.Read(p)
	if err != nil && err != io.EOF {
		r.settle(false)
		if cause := context.Cause(r.ctx); cause != nil {
			err = cause
		}
		r.err = &TransportError{Endpoint: r.endpoint, Op: "read", Err: err}
		return n, r.err
	}
	return n, err
}

// Done reports whether the body has been read to its end.
func (r *Response) Done() bool {
	return r.head.Body.Done()
}

// Close finishes with the response. A body read to io.EOF hands its
// connection back to the pool; otherwise the connection is discarded, since
// it is left mid-message. A body being decoded that has not reached its end
// is always discarded. Close is idempotent and always returns nil.
func (r *Response) Close() error {
	if r.conn == nil {
		return nil
	}
	if !r.decoding && r.head.Body.Done() {
		r.settle(r.head.KeepAlive)
		return nil
	}
	r.abort()
	return nil
}

// Bytes reads the rest of the body.
func (r *Response) Bytes() ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return data, err
	}
	r.settle(r.head.KeepAlive)
	return data, nil
}

// Decode reads one JSON value from the body into v. Malformed JSON returns
// a [*DecodeError] and discards the connection.
//
// Use [NewIterator] to process a large array element by element instead.
func (r *Response) Decode(v any) error {
	r.decoding = true
	if err := jsonstream.Decode(r, v); err != nil {
		r.abort()
		return err
	}
	r.finish()
	return nil
}

// finish consumes a short tail after the last decoded value. A body with
// more left than that costs its connection.
func (r *Response) finish() {
	if r.conn == nil {
		return
	}
	done, err := r.head.Body.Drain(tailDrainLimit)
	if err != nil || !done {
		r.abort()
		return
	}
	r.settle(r.head.KeepAlive)
}

// abort discards the connection.
func (r *Response) abort() {
	if r.conn != nil {
		r.client.logger.Debug("discarding connection",
			"task_id", r.tc.TaskID(),
			"endpoint", r.endpoint.String(),
			"body_bytes_read", r.head.Body.Consumed(),
			"body_done", r.head.Body.Done(),
		)
	}
	r.settle(false)
	if r.err == nil && !r.head.Body.Done() {
		r.err = ErrBodyClosed
	}
}

// settle hands the connection back, or discards it when healthy is false or
// the request's context fired.
func (r *Response) settle(healthy bool) {
	conn := r.conn
	if conn == nil {
		return
	}
	r.conn = nil

	if !r.stop() {
		// the cancellation deadline may already be on the socket
		healthy = false
	}
	conn.Bind(nil)
	if healthy && conn.NetConn().SetDeadline(time.Time{}) != nil {
		healthy = false
	}

	r.client.pool.Release(conn, healthy)
	r.cancel()
	r.tc.untrack(r)
}
