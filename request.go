package restflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/jpalmerr/restflow/internal/pool"
	"github.com/jpalmerr/restflow/internal/wire"
)

// RequestBuilder describes one request. Builders are created by the
// request methods of [Context] and sent with [RequestBuilder.Execute].
//
// Invalid input is remembered and reported by Execute, so calls can be
// chained:
//
//	resp, err := c.Post(url).
//	    Header("X-Request-ID", id).
//	    JSON(payload).
//	    Timeout(5 * time.Second).
//	    Execute()
type RequestBuilder struct {
	tc      *Context
	method  string
	rawURL  string
	header  http.Header
	query   url.Values
	body    []byte
	timeout time.Duration
	err     error
}

func newRequestBuilder(tc *Context, method, rawURL string) *RequestBuilder {
	b := &RequestBuilder{
		tc:     tc,
		method: method,
		rawURL: rawURL,
		header: make(http.Header),
	}
	if !httpguts.ValidHeaderFieldName(method) {
		b.err = fmt.Errorf("invalid method %q", method)
	}
	return b
}

// Header adds a request header.
//
// Example:
//
//	c.Get(url).Header("Authorization", "Bearer "+token)
func (b *RequestBuilder) Header(key, value string) *RequestBuilder {
	if b.err != nil {
		return b
	}
	if !httpguts.ValidHeaderFieldName(key) {
		b.err = fmt.Errorf("invalid header name %q", key)
		return b
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		b.err = fmt.Errorf("invalid value for header %q", key)
		return b
	}
	b.header.Add(key, value)
	return b
}

// Query adds a query parameter to the URL.
func (b *RequestBuilder) Query(key, value string) *RequestBuilder {
	if b.query == nil {
		b.query = make(url.Values)
	}
	b.query.Add(key, value)
	return b
}

// Body sets the request body and its content type.
func (b *RequestBuilder) Body(contentType string, body []byte) *RequestBuilder {
	b.body = body
	if contentType != "" {
		b.header.Set("Content-Type", contentType)
	}
	return b
}

// JSON sets v, encoded as JSON, as the request body.
func (b *RequestBuilder) JSON(v any) *RequestBuilder {
	if b.err != nil {
		return b
	}
	data, err := json.Marshal(v)
	if err != nil {
		b.err = fmt.Errorf("failed to encode request body: %w", err)
		return b
	}
	return b.Body("application/json", data)
}

// Timeout bounds the request from the moment it starts waiting for a
// connection until its response body has been read.
func (b *RequestBuilder) Timeout(d time.Duration) *RequestBuilder {
	if d <= 0 {
		b.err = errors.New("request timeout must be positive")
		return b
	}
	b.timeout = d
	return b
}

// Execute sends the request and returns once the response head has been
// read. The body is left on the connection until the caller reads it.
//
// Execute suspends the calling task while it waits for connection quota and
// while the transport blocks.
//
// Failures:
//   - [ErrQuotaTimeout] when [WithAcquireTimeout] elapsed before a
//     connection was available
//   - [ErrClosed] when the client closed while the request waited
//   - [*TransportError] when dialing, writing or reading failed
//
// A non-2xx status is not an error.
func (b *RequestBuilder) Execute() (*Response, error) {
	if b.err != nil {
		return nil, b.err
	}

	u, err := url.Parse(b.rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	ep, err := endpointOf(u)
	if err != nil {
		return nil, err
	}
	if len(b.query) > 0 {
		q := u.Query()
		for k, vs := range b.query {
			q[k] = append(q[k], vs...)
		}
		u.RawQuery = q.Encode()
	}

	ctx, cancel := b.tc.Context(), context.CancelFunc(func() {})
	if b.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
	}

	done, err := b.tc.client.pool.Allow(ep.key())
	if err != nil {
		cancel()
		return nil, &TransportError{Endpoint: ep, Op: "dial", Err: err}
	}

	resp, err := b.roundTrip(ctx, cancel, u, ep)
	done(!isTransport(err))
	if err != nil {
		cancel()
		return nil, err
	}
	return resp, nil
}

// roundTrip sends the request, retrying once on another connection when a
// reused connection turns out to be dead before any response byte arrived.
func (b *RequestBuilder) roundTrip(ctx context.Context, cancel context.CancelFunc, u *url.URL, ep Endpoint) (*Response, error) {
	logger := b.tc.client.logger

	for attempt := 0; ; attempt++ {
		req, err := b.newRequest(ctx, u)
		if err != nil {
			return nil, err
		}

		conn, err := b.acquire(ctx, ep)
		if err != nil {
			return nil, err
		}

		resp, stale, err := b.exchange(ctx, cancel, conn, req, ep)
		if err == nil {
			return resp, nil
		}
		if !stale || attempt > 0 || !idempotent(b.method) {
			return nil, err
		}

		logger.Debug("retrying request on another connection",
			"task_id", b.tc.TaskID(),
			"endpoint", ep.String(),
			"error", err,
		)
	}
}

func (b *RequestBuilder) newRequest(ctx context.Context, u *url.URL) (*http.Request, error) {
	var body io.Reader
	if b.body != nil {
		body = bytes.NewReader(b.body)
	}

	req, err := http.NewRequestWithContext(ctx, b.method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header = b.header.Clone()
	if _, ok := req.Header["User-Agent"]; !ok {
		// an empty value suppresses the header entirely
		req.Header.Set("User-Agent", b.tc.client.userAgent)
	}
	return req, nil
}

// acquire obtains a connection, suspending the task if it has to wait or
// dial.
func (b *RequestBuilder) acquire(ctx context.Context, ep Endpoint) (*pool.Conn, error) {
	p := b.tc.client.pool
	if conn := p.TryIdle(ep.key()); conn != nil {
		return conn, nil
	}

	var conn *pool.Conn
	err := b.tc.s.Do(func(context.Context) error {
		var err error
		conn, err = p.Acquire(ctx, ep.key())
		return err
	})

	switch {
	case err == nil:
		return conn, nil
	case errors.Is(err, pool.ErrQuotaTimeout):
		return nil, ErrQuotaTimeout
	case errors.Is(err, pool.ErrPoolClosed):
		return nil, ErrClosed
	case ctx.Err() != nil:
		return nil, context.Cause(ctx)
	default:
		return nil, &TransportError{Endpoint: ep, Op: "dial", Err: err}
	}
}

// exchange writes req on conn and reads the response head. On failure conn
// is discarded and stale reports whether the request may be replayed.
func (b *RequestBuilder) exchange(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *pool.Conn,
	req *http.Request,
	ep Endpoint,
) (resp *Response, stale bool, err error) {
	p := b.tc.client.pool
	nc := conn.NetConn()

	deadline, _ := ctx.Deadline()
	if err := nc.SetDeadline(deadline); err != nil {
		p.Release(conn, false)
		return nil, false, &TransportError{Endpoint: ep, Op: "write", Err: err}
	}
	// a deadline in the past unblocks pending I/O on cancellation
	stop := context.AfterFunc(ctx, func() {
		_ = nc.SetDeadline(time.Unix(1, 0))
	})

	conn.Bind(b.tc.block)
	before := conn.BytesRead()

	fail := func(op string, err error) (*Response, bool, error) {
		stop()
		conn.Bind(nil)
		stale := conn.Reused() && conn.BytesRead() == before && ctx.Err() == nil
		p.Release(conn, false)
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
		return nil, stale, &TransportError{Endpoint: ep, Op: op, Err: err}
	}

	if err := wire.WriteRequest(conn.Writer(), req); err != nil {
		return fail("write", err)
	}
	head, err := wire.ReadResponse(conn.Reader(), req)
	if err != nil {
		return fail("read", err)
	}

	resp = &Response{
		client:   b.tc.client,
		tc:       b.tc,
		ctx:      ctx,
		endpoint: ep,
		head:     head,
		conn:     conn,
		stop:     stop,
		cancel:   cancel,
	}
	b.tc.track(resp)
	if head.Body.Done() {
		resp.settle(head.KeepAlive)
	}
	return resp, false, nil
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}
