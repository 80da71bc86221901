package restflow

import (
	"iter"

	"github.com/jpalmerr/restflow/internal/jsonstream"
)

// Iterator decodes a JSON array response one element at a time, reading
// from the socket only as far as the next element needs.
//
// A body that is not an array yields a single element. An empty body yields
// none.
//
//	it := restflow.NewIterator[Post](resp)
//	defer it.Close()
//	for it.Next() {
//	    handle(it.Value())
//	}
//	if err := it.Err(); err != nil {
//	    return err
//	}
//
// Once the closing bracket has been read the connection is returned to the
// pool. Stopping early, or hitting a decode error, discards it.
type Iterator[T any] struct {
	resp *Response
	dec  *jsonstream.Decoder
	cur  T
}

// NewIterator returns an Iterator over resp's body.
func NewIterator[T any](resp *Response) *Iterator[T] {
	resp.decoding = true
	return &Iterator[T]{resp: resp, dec: jsonstream.New(resp)}
}

// Next decodes the next element. It returns false when the sequence is
// exhausted or failed; check [Iterator.Err] to tell which.
func (it *Iterator[T]) Next() bool {
	if it.dec.Err() != nil || it.dec.Done() {
		return false
	}

	var v T
	ok, err := it.dec.Next(&v)
	switch {
	case err != nil:
		it.resp.client.logger.Debug("json sequence failed",
			"task_id", it.resp.tc.TaskID(),
			"endpoint", it.resp.endpoint.String(),
			"offset", it.dec.Offset(),
			"error", err,
		)
		it.resp.abort()
		return false
	case !ok:
		it.resp.finish()
		return false
	}
	it.cur = v
	return true
}

// Value returns the element decoded by the last successful Next.
func (it *Iterator[T]) Value() T {
	return it.cur
}

// Err returns the error that ended iteration: a [*DecodeError] for
// malformed JSON, a [*TransportError] for a failed read.
func (it *Iterator[T]) Err() error {
	return it.dec.Err()
}

// Done reports whether the whole sequence was consumed without error.
func (it *Iterator[T]) Done() bool {
	return it.dec.Done()
}

// Close abandons the iteration, discarding the connection even if the
// whole body has already been buffered. It has no effect after the
// sequence completed.
func (it *Iterator[T]) Close() error {
	return it.resp.Close()
}

// All returns the remaining elements as a range-over-func sequence. A
// failure is delivered as a final element with a non-nil error. Breaking
// out of the loop closes the iterator.
func (it *Iterator[T]) All() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for it.Next() {
			if !yield(it.cur, nil) {
				it.Close()
				return
			}
		}
		if err := it.dec.Err(); err != nil {
			var zero T
			yield(zero, err)
		}
	}
}
