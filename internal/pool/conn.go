package pool

import (
	"bufio"
	"net"
	"strconv"
	"time"
)

const (
	readBufferSize  = 16 << 10
	writeBufferSize = 4 << 10
)

// Key identifies an endpoint. Two requests share pooled connections only if
// their keys are equal.
type Key struct {
	Scheme string
	Host   string
	Port   int
}

// Addr returns host:port suitable for net.Dial.
func (k Key) Addr() string {
	return net.JoinHostPort(k.Host, strconv.Itoa(k.Port))
}

func (k Key) String() string {
	return k.Scheme + "://" + k.Addr()
}

// State is the lifecycle state of a [Conn].
type State int

const (
	StateIdle State = iota
	StateBusy
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// Blocker runs a blocking transport call. [Conn.Bind] installs one so that
// socket reads and writes become suspension points of the owning task.
type Blocker func(fn func() error) error

// Conn is one pooled transport connection bound to a single endpoint.
//
// The buffered reader and writer live as long as the connection, so bytes
// read ahead on one request are never lost to the next.
type Conn struct {
	pool *Pool
	key  Key
	nc   net.Conn
	io   *binder
	br   *bufio.Reader
	bw   *bufio.Writer

	// guarded by pool.mu
	state    State
	lastUsed time.Time
	reused   bool
}

func newConn(p *Pool, key Key, nc net.Conn) *Conn {
	b := &binder{nc: nc}
	return &Conn{
		pool:     p,
		key:      key,
		nc:       nc,
		io:       b,
		br:       bufio.NewReaderSize(b, readBufferSize),
		bw:       bufio.NewWriterSize(b, writeBufferSize),
		state:    StateBusy,
		lastUsed: p.now(),
	}
}

// Key returns the endpoint this connection is bound to.
func (c *Conn) Key() Key {
	return c.key
}

// NetConn returns the underlying transport, for deadlines.
func (c *Conn) NetConn() net.Conn {
	return c.nc
}

// Reader returns the connection's buffered reader.
func (c *Conn) Reader() *bufio.Reader {
	return c.br
}

// Writer returns the connection's buffered writer.
func (c *Conn) Writer() *bufio.Writer {
	return c.bw
}

// Bind routes subsequent transport reads and writes through b. Passing nil
// makes them plain blocking calls.
func (c *Conn) Bind(b Blocker) {
	c.io.block = b
}

// BytesRead returns the number of bytes read from the transport so far.
func (c *Conn) BytesRead() int64 {
	return c.io.nread
}

// Reused reports whether this connection served an earlier request.
func (c *Conn) Reused() bool {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.reused
}

// State returns the connection's current state.
func (c *Conn) State() State {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.state
}

// binder forwards I/O to the transport, optionally through a Blocker.
type binder struct {
	nc    net.Conn
	block Blocker
	nread int64
}

func (b *binder) Read(p []byte) (n int, err error) {
	defer func() { b.nread += int64(n) }()

	if b.block == nil {
		return b.nc.Read(p)
	}
	err = b.block(func() error {
		var rerr error
		n, rerr = b.nc.Read(p)
		return rerr
	})
	return n, err
}

func (b *binder) Write(p []byte) (int, error) {
	if b.block == nil {
		return b.nc.Write(p)
	}
	var n int
	err := b.block(func() error {
		var err error
		n, err = b.nc.Write(p)
		return err
	})
	return n, err
}
