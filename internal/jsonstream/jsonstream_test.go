package jsonstream

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type post struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}

func collect(t *testing.T, d *Decoder) ([]post, error) {
	t.Helper()
	var out []post
	for {
		var p post
		ok, err := d.Next(&p)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, p)
	}
}

func TestDecoder_Array(t *testing.T) {
	d := New(strings.NewReader(` [ {"id":1,"title":"a"}, {"id":2,"title":"b"} ] `))

	posts, err := collect(t, d)
	require.NoError(t, err)
	assert.Equal(t, []post{{1, "a"}, {2, "b"}}, posts)
	assert.True(t, d.Done())
	assert.NoError(t, d.Err())

	// exhausted decoders stay exhausted
	ok, err := d.Next(&post{})
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestDecoder_EmptyArray(t *testing.T) {
	d := New(strings.NewReader(`[]`))
	posts, err := collect(t, d)
	require.NoError(t, err)
	assert.Empty(t, posts)
	assert.True(t, d.Done())
}

func TestDecoder_EmptyBody(t *testing.T) {
	d := New(strings.NewReader("  \n"))
	posts, err := collect(t, d)
	require.NoError(t, err)
	assert.Empty(t, posts)
	assert.True(t, d.Done())
}

func TestDecoder_SingleValue(t *testing.T) {
	d := New(strings.NewReader(`{"id":7,"title":"only"}`))
	posts, err := collect(t, d)
	require.NoError(t, err)
	assert.Equal(t, []post{{7, "only"}}, posts)
}

func TestDecoder_SingleValueTrailingWhitespace(t *testing.T) {
	d := New(strings.NewReader("  {\"id\":7,\"title\":\"only\"}\n\t "))
	posts, err := collect(t, d)
	require.NoError(t, err)
	assert.Equal(t, []post{{7, "only"}}, posts)
	assert.True(t, d.Done())
}

func TestDecoder_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
		good int
	}{
		{"missing comma", `[{"id":1} {"id":2}]`, 1},
		{"bad literal", `[{"id":1},nope]`, 1},
		{"type mismatch", `[{"id":"x"}]`, 0},
		{"truncated element", `[{"id":1},{"id":`, 1},
		{"missing close", `[{"id":1}`, 1},
		{"truncated single", `{"id":`, 0},
		{"garbage after single", `{"id":1} garbage`, 0},
		{"second single value", `{"id":1} {"id":2}`, 0},
		{"stray bracket after single", `{"id":1}]`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(strings.NewReader(tt.body))
			posts, err := collect(t, d)

			var derr *DecodeError
			require.ErrorAs(t, err, &derr)
			assert.Len(t, posts, tt.good)
			assert.False(t, d.Done())
			assert.Same(t, derr, d.Err())

			// the failure is sticky
			ok, again := d.Next(&post{})
			assert.False(t, ok)
			assert.Equal(t, err, again)
		})
	}
}

func TestDecoder_TruncationIsUnexpectedEOF(t *testing.T) {
	d := New(strings.NewReader(`[{"id":1},`))
	_, err := collect(t, d)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecoder_ReaderErrorPassesThrough(t *testing.T) {
	boom := errors.New("connection reset")
	d := New(io.MultiReader(strings.NewReader(`[{"id":1},`), &failingReader{err: boom}))

	posts, err := collect(t, d)
	assert.Len(t, posts, 1)
	assert.ErrorIs(t, err, boom)

	var derr *DecodeError
	assert.False(t, errors.As(err, &derr), "transport errors are not decode errors")
}

// TestDecoder_Lazy verifies the first element is produced before the rest
// of the input exists.
func TestDecoder_Lazy(t *testing.T) {
	pr, pw := io.Pipe()
	defer pr.Close()

	go func() {
		pw.Write([]byte(`[{"id":1,"title":"first"},`))
		// the second half only arrives after the first element was read
		time.Sleep(50 * time.Millisecond)
		pw.Write([]byte(`{"id":2,"title":"second"}]`))
		pw.Close()
	}()

	d := New(pr)

	start := time.Now()
	var p post
	ok, err := d.Next(&p)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, p.ID)
	assert.Less(t, time.Since(start), 40*time.Millisecond, "first element must not wait for the rest of the body")

	rest, err := collect(t, d)
	require.NoError(t, err)
	assert.Equal(t, []post{{2, "second"}}, rest)
}

// TestDecoder_StopsAtClose verifies completion does not depend on reading
// whatever follows the closing bracket.
func TestDecoder_StopsAtClose(t *testing.T) {
	pr, pw := io.Pipe()
	defer pr.Close()

	go func() {
		pw.Write([]byte(`[{"id":1}]`))
		// never closed until the test ends
	}()

	d := New(pr)
	done := make(chan error, 1)
	go func() {
		_, err := collect(t, d)
		done <- err
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
		assert.True(t, d.Done())
	case <-time.After(2 * time.Second):
		t.Fatal("decoder waited for bytes after the closing bracket")
	}
	pw.Close()
}

type failingReader struct {
	err error
}

func (r *failingReader) Read([]byte) (int, error) {
	return 0, r.err
}

func TestDecode(t *testing.T) {
	var posts []post
	err := Decode(strings.NewReader(`[{"id":1,"title":"a"},{"id":2,"title":"b"}]`), &posts)
	require.NoError(t, err)
	assert.Equal(t, []post{{1, "a"}, {2, "b"}}, posts)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"truncated", `{"id":1`},
		{"syntax", `{"id":}`},
		{"wrong type", `{"id":"one"}`},
		{"trailing value", `{"id":1} {"id":2}`},
		{"trailing garbage", `{"id":1} x`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p post
			err := Decode(strings.NewReader(tt.body), &p)

			var derr *DecodeError
			assert.True(t, errors.As(err, &derr), "got %v", err)
		})
	}
}

func TestDecode_ReaderErrorPassesThrough(t *testing.T) {
	boom := errors.New("connection reset")
	var p post
	err := Decode(io.MultiReader(strings.NewReader(`{"id":`), &failingReader{err: boom}), &p)
	assert.ErrorIs(t, err, boom)
}
