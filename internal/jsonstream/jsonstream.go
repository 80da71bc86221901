// Package jsonstream decodes a JSON array one element at a time.
//
// A body starting with '[' yields its elements in order. Any other body is
// treated as a single value and yields exactly one element; input after that
// value other than whitespace is an error. An empty body
// yields nothing. Bytes are read from the source only as far as the next
// element requires.
package jsonstream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const peekBufferSize = 512

// DecodeError reports malformed or truncated JSON.
type DecodeError struct {
	// Offset is the input offset at which decoding stopped.
	Offset int64
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode element at offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type mode int

const (
	modeUnknown mode = iota
	modeArray
	modeSingle
)

// Decoder produces the elements of one JSON document. It is not safe for
// concurrent use.
type Decoder struct {
	br   *bufio.Reader
	dec  *json.Decoder
	mode mode
	done bool
	err  error
}

// New returns a Decoder reading from r.
func New(r io.Reader) *Decoder {
	br := bufio.NewReaderSize(r, peekBufferSize)
	return &Decoder{br: br, dec: json.NewDecoder(br)}
}

// Next decodes the next element into v. It returns false once the sequence
// is exhausted or has failed; the error is nil in the first case. After a
// failure every call returns the same error.
func (d *Decoder) Next(v any) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	if d.done {
		return false, nil
	}

	if d.mode == modeUnknown {
		if err := d.start(); err != nil {
			return false, d.fail(err)
		}
		if d.done {
			return false, nil
		}
	}

	if d.mode == modeSingle {
		if err := d.dec.Decode(v); err != nil {
			return false, d.fail(err)
		}
		if err := expectEnd(d.dec); err != nil {
			return false, d.fail(err)
		}
		d.done = true
		return true, nil
	}

	if !d.dec.More() {
		tok, err := d.dec.Token()
		if err != nil {
			return false, d.fail(err)
		}
		if delim, ok := tok.(json.Delim); !ok || delim != ']' {
			return false, d.fail(fmt.Errorf("%w %v", errUnexpectedToken, tok))
		}
		// an array ends at its bracket; whatever follows is left unread
		d.done = true
		return false, nil
	}

	if err := d.dec.Decode(v); err != nil {
		return false, d.fail(err)
	}
	return true, nil
}

// Done reports whether the sequence completed without error.
func (d *Decoder) Done() bool {
	return d.done
}

// Err returns the error that ended the sequence, if any.
func (d *Decoder) Err() error {
	return d.err
}

// Offset returns the number of input bytes consumed by decoding so far.
func (d *Decoder) Offset() int64 {
	return d.dec.InputOffset()
}

// start inspects the first significant byte to pick array or single mode.
func (d *Decoder) start() error {
	for {
		b, err := d.br.ReadByte()
		if errors.Is(err, io.EOF) {
			d.done = true
			return nil
		}
		if err != nil {
			return err
		}
		if isSpace(b) {
			continue
		}
		if err := d.br.UnreadByte(); err != nil {
			return err
		}
		if b != '[' {
			d.mode = modeSingle
			return nil
		}
		break
	}

	if _, err := d.dec.Token(); err != nil {
		return err
	}
	d.mode = modeArray
	return nil
}

// fail records err, classifying malformed input as a DecodeError. Reader
// errors other than truncation are returned as they are.
func (d *Decoder) fail(err error) error {
	d.err = classify(err, d.dec.InputOffset())
	return d.err
}

// Decode reads one complete JSON value from r into v. Unlike [Decoder], an
// array is decoded whole and an empty input is an error. Anything but
// whitespace after the value is an error too.
func Decode(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	if err := dec.Decode(v); err != nil {
		return classify(err, dec.InputOffset())
	}
	return classify(expectEnd(dec), dec.InputOffset())
}

// expectEnd reads to the end of input and fails if anything but whitespace
// follows the top-level value.
func expectEnd(dec *json.Decoder) error {
	tok, err := dec.Token()
	switch {
	case err == io.EOF:
		return nil
	case err != nil:
		return err
	}
	return fmt.Errorf("%w %v after top-level value", errUnexpectedToken, tok)
}

func classify(err error, offset int64) error {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	switch {
	case err == nil:
		return nil
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr), errors.Is(err, errUnexpectedToken):
		return &DecodeError{Offset: offset, Err: err}
	case err == io.EOF, err == io.ErrUnexpectedEOF:
		// bare EOFs come from the decoder; wrapped ones are reader errors
		return &DecodeError{Offset: offset, Err: io.ErrUnexpectedEOF}
	}
	return err
}

var errUnexpectedToken = errors.New("unexpected token")

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
