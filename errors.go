package restflow

import (
	"errors"
	"fmt"
	"net"

	"github.com/jpalmerr/restflow/internal/jsonstream"
	"github.com/jpalmerr/restflow/internal/pool"
	"github.com/jpalmerr/restflow/internal/scheduler"
)

var (
	// ErrClosed is returned when submitting work to a [Client] after
	// [Client.CloseWhenReady] has been called.
	ErrClosed = errors.New("restflow: client is closed")

	// ErrQuotaTimeout is returned by [RequestBuilder.Execute] when
	// [WithAcquireTimeout] is set and no connection became available in
	// time. Without that option requests wait for quota indefinitely.
	ErrQuotaTimeout = pool.ErrQuotaTimeout

	// ErrBodyClosed is returned when reading a [Response] whose connection
	// has already been discarded.
	ErrBodyClosed = errors.New("restflow: response body closed")
)

// DecodeError reports malformed or truncated JSON in a response body. The
// connection that carried it is discarded.
type DecodeError = jsonstream.DecodeError

// PanicError is the failure a [Future] resolves to when its task panicked.
// The stack trace is logged with the same CorrelationID.
type PanicError = scheduler.PanicError

// TransportError reports a failure to dial, write to or read from an
// endpoint. The connection involved is always discarded.
type TransportError struct {
	// Endpoint is the destination of the failed request.
	Endpoint Endpoint

	// Op is "dial", "write" or "read".
	Op string

	// Err is the underlying error.
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("restflow: %s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was a timeout.
func (e *TransportError) Timeout() bool {
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

func isTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
