// Package wire frames HTTP/1.1 requests and responses on a pooled
// connection's buffered reader and writer.
//
// Header encoding and parsing are delegated to net/http. This package adds
// what pooling needs on top: the body framing mode, whether the connection
// may be reused afterwards, and a body reader that reports end-of-body.
package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
)

// Framing is how a response body's end is determined.
type Framing int

const (
	// FramingNone means the response has no body.
	FramingNone Framing = iota
	// FramingLength means the body is Content-Length bytes.
	FramingLength
	// FramingChunked means chunked transfer encoding.
	FramingChunked
	// FramingClose means the body runs until the server closes the
	// connection.
	FramingClose
)

func (f Framing) String() string {
	switch f {
	case FramingNone:
		return "none"
	case FramingLength:
		return "content-length"
	case FramingChunked:
		return "chunked"
	case FramingClose:
		return "until-close"
	default:
		return "unknown"
	}
}

// Response is a parsed response head plus its body.
type Response struct {
	Status        string
	StatusCode    int
	Proto         string
	Header        http.Header
	ContentLength int64
	Framing       Framing

	// KeepAlive reports whether the connection can carry another request
	// once Body reaches its end.
	KeepAlive bool

	Body *Body
}

// WriteRequest encodes req and flushes it to the wire.
func WriteRequest(bw *bufio.Writer, req *http.Request) error {
	if err := req.Write(bw); err != nil {
		return fmt.Errorf("failed to write request: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush request: %w", err)
	}
	return nil
}

// ReadResponse reads the next response head for req from br. Interim 1xx
// responses are skipped. The body is left unread on br.
func ReadResponse(br *bufio.Reader, req *http.Request) (*Response, error) {
	var resp *http.Response
	for {
		var err error
		resp, err = http.ReadResponse(br, req)
		if err != nil {
			return nil, fmt.Errorf("failed to read response head: %w", err)
		}
		if resp.StatusCode >= 200 || resp.StatusCode == http.StatusSwitchingProtocols {
			break
		}
	}

	framing := framingOf(req, resp)
	r := &Response{
		Status:        resp.Status,
		StatusCode:    resp.StatusCode,
		Proto:         resp.Proto,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		Framing:       framing,
		KeepAlive:     !resp.Close && framing != FramingClose && resp.StatusCode != http.StatusSwitchingProtocols,
		Body:          &Body{r: resp.Body},
	}
	if framing == FramingNone {
		r.Body = &Body{r: http.NoBody, eof: true}
	}
	return r, nil
}

func framingOf(req *http.Request, resp *http.Response) Framing {
	switch {
	case req.Method == http.MethodHead,
		resp.StatusCode == http.StatusNoContent,
		resp.StatusCode == http.StatusNotModified:
		return FramingNone
	case slices.Contains(resp.TransferEncoding, "chunked"):
		return FramingChunked
	case resp.ContentLength == 0:
		return FramingNone
	case resp.ContentLength > 0:
		return FramingLength
	default:
		return FramingClose
	}
}

// Body reads a response body and tracks whether its end was reached.
//
// Body never drains on its own. A body that is not read to the end leaves
// the connection mid-message.
type Body struct {
	r   io.Reader
	n   int64
	eof bool
	err error
}

// Read implements io.Reader. After end-of-body it returns io.EOF; after a
// transport or framing error it keeps returning that error.
func (b *Body) Read(p []byte) (int, error) {
	if b.eof {
		return 0, io.EOF
	}
	if b.err != nil {
		return 0, b.err
	}

	n, err := b.r.Read(p)
	b.n += int64(n)
	switch {
	case errors.Is(err, io.EOF):
		b.eof = true
		err = io.EOF
	case err != nil:
		b.err = err
	}
	return n, err
}

// Done reports whether the end of the body has been read.
func (b *Body) Done() bool {
	return b.eof
}

// Consumed returns the number of body bytes read so far.
func (b *Body) Consumed() int64 {
	return b.n
}

// Drain reads and discards at most limit more bytes. It reports whether the
// end of the body was reached.
func (b *Body) Drain(limit int64) (bool, error) {
	if b.eof {
		return true, nil
	}
	if b.err != nil {
		return false, b.err
	}
	// one byte past the limit tells "exactly limit left" from "more left"
	_, err := io.Copy(io.Discard, io.LimitReader(b, limit+1))
	if err != nil {
		return false, err
	}
	return b.eof, nil
}
