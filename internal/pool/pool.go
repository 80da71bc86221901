package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

var (
	// ErrPoolClosed is returned by [Pool.Acquire] after [Pool.Close].
	ErrPoolClosed = errors.New("connection pool is closed")

	// ErrQuotaTimeout is returned by [Pool.Acquire] when
	// Config.AcquireTimeout elapses before capacity frees up.
	ErrQuotaTimeout = errors.New("timed out waiting for connection quota")
)

// DialFunc opens a transport connection to key.
type DialFunc func(ctx context.Context, key Key) (net.Conn, error)

// Config holds pool settings. Zero caps mean unlimited.
type Config struct {
	// MaxConnections caps active connections across all endpoints.
	MaxConnections int

	// MaxConnectionsPerEndpoint caps active connections to one endpoint.
	MaxConnectionsPerEndpoint int

	// Dial opens new connections. Required.
	Dial DialFunc

	// IdleTimeout closes idle connections older than this on next use.
	// Zero keeps them forever.
	IdleTimeout time.Duration

	// AcquireTimeout bounds how long Acquire waits for quota. Zero waits
	// indefinitely.
	AcquireTimeout time.Duration

	// Metrics receives pool gauges and counters. May be nil.
	Metrics *Metrics

	// Breaker enables a circuit breaker per endpoint. May be nil.
	Breaker *BreakerSettings
}

// Stats is a point-in-time snapshot of pool bookkeeping.
type Stats struct {
	Active            int
	Idle              int
	Busy              int
	Waiting           int
	ActivePerEndpoint map[string]int

	Created   int64
	Reused    int64
	Discarded int64
	Evicted   int64
	Waits     int64

	// MaxActive and MaxActivePerEndpoint are high-water marks since
	// creation.
	MaxActive            int
	MaxActivePerEndpoint int
}

type grant struct {
	conn *Conn
	dial bool
	err  error
}

type waiter struct {
	key Key
	ch  chan grant
}

// Pool is a quota-enforcing cache of connections keyed by endpoint.
//
// It is safe for concurrent use. The mutex is held only for bookkeeping;
// dialing and closing transports happen outside it.
type Pool struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	closed    bool
	idle      map[Key][]*Conn // oldest to newest
	numIdle   int
	numBusy   int
	active    int
	activePer map[Key]int
	waiters   map[Key][]*waiter
	order     []Key // keys with waiters, in round-robin order
	dead      []*Conn // closed after unlock
	breakers  map[Key]*breaker

	created   int64
	reused    int64
	discarded int64
	evicted   int64
	waits     int64
	maxActive int
	maxPer    int
}

// New creates a Pool. If logger is nil, slog.Default() is used.
func New(cfg Config, logger *slog.Logger) (*Pool, error) {
	if cfg.Dial == nil {
		return nil, errors.New("dial function cannot be nil")
	}
	if cfg.MaxConnections < 0 || cfg.MaxConnectionsPerEndpoint < 0 {
		return nil, fmt.Errorf("connection caps cannot be negative: global %d, per endpoint %d",
			cfg.MaxConnections, cfg.MaxConnectionsPerEndpoint)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		idle:      make(map[Key][]*Conn),
		activePer: make(map[Key]int),
		waiters:   make(map[Key][]*waiter),
		breakers:  make(map[Key]*breaker),
	}, nil
}

// TryIdle returns the most recently used idle connection for key, or nil.
// It never blocks and never dials.
func (p *Pool) TryIdle(key Key) *Conn {
	p.mu.Lock()
	defer p.unlock()

	if p.closed {
		return nil
	}
	c := p.takeIdleLocked(key)
	if c == nil {
		// expired connections may have freed quota
		p.wakeLocked()
	}
	return c
}

// Acquire returns a connection for key. It reuses an idle connection when
// one exists, dials a new one when quota permits, and otherwise waits until
// a releasing party hands over a connection or a dial permit.
func (p *Pool) Acquire(ctx context.Context, key Key) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.unlock()
		return nil, ErrPoolClosed
	}
	if c := p.takeIdleLocked(key); c != nil {
		p.unlock()
		return c, nil
	}
	if p.makeRoomLocked(key) {
		p.reserveLocked(key)
		p.unlock()
		return p.dial(ctx, key)
	}

	w := &waiter{key: key, ch: make(chan grant, 1)}
	p.enqueueLocked(w)
	p.waits++
	p.cfg.Metrics.incWaits()
	p.wakeLocked()
	p.unlock()

	p.logger.Debug("waiting for connection quota", "endpoint", key.String())

	wctx := ctx
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeoutCause(ctx, p.cfg.AcquireTimeout, ErrQuotaTimeout)
		defer cancel()
	}

	select {
	case g := <-w.ch:
		return p.redeem(ctx, key, g)
	case <-wctx.Done():
		p.mu.Lock()
		if p.dequeueLocked(w) {
			p.unlock()
			return nil, context.Cause(wctx)
		}
		p.unlock()

		// a grant was sent before we could leave the queue
		p.giveBack(key, <-w.ch)
		return nil, context.Cause(wctx)
	}
}

func (p *Pool) redeem(ctx context.Context, key Key, g grant) (*Conn, error) {
	switch {
	case g.err != nil:
		return nil, g.err
	case g.conn != nil:
		return g.conn, nil
	default:
		return p.dial(ctx, key)
	}
}

func (p *Pool) giveBack(key Key, g grant) {
	switch {
	case g.conn != nil:
		p.Release(g.conn, true)
	case g.dial:
		p.mu.Lock()
		p.unreserveLocked(key)
		p.wakeLocked()
		p.unlock()
	}
}

// dial opens a connection for a slot already reserved by the caller. The
// reservation is returned if the dial function panics.
func (p *Pool) dial(ctx context.Context, key Key) (*Conn, error) {
	returned := false
	defer func() {
		if returned {
			return
		}
		p.mu.Lock()
		p.unreserveLocked(key)
		p.wakeLocked()
		p.unlock()
	}()
	nc, err := p.cfg.Dial(ctx, key)
	returned = true

	p.mu.Lock()
	if err != nil {
		p.unreserveLocked(key)
		p.wakeLocked()
		p.unlock()
		return nil, err
	}
	if p.closed {
		p.unreserveLocked(key)
		p.unlock()
		nc.Close()
		return nil, ErrPoolClosed
	}

	c := newConn(p, key, nc)
	p.numBusy++
	p.created++
	p.cfg.Metrics.incCreated()
	p.unlock()

	p.logger.Debug("connection created", "endpoint", key.String(), "local_addr", addrString(nc.LocalAddr()))
	return c, nil
}

// Release returns c to the pool. A healthy connection goes to a waiter for
// the same endpoint or back to the idle list. An unhealthy one is closed and
// its quota handed on. Releasing a connection twice has no effect.
func (p *Pool) Release(c *Conn, healthy bool) {
	if c == nil {
		return
	}

	p.mu.Lock()
	defer p.unlock()

	if c.state != StateBusy {
		return
	}
	c.Bind(nil)
	c.lastUsed = p.now()
	p.numBusy--

	if !healthy || p.closed {
		p.discardLocked(c)
		p.discarded++
		p.cfg.Metrics.incDiscarded()
		p.logger.Debug("connection discarded", "endpoint", c.key.String(), "healthy", healthy)
		p.wakeLocked()
		return
	}

	// serve the first endpoint in rotation this connection can help: its
	// own, by handoff, or one stuck on the global cap, by trading this
	// connection's slot for a dial permit
	for _, k := range p.order {
		if k == c.key {
			p.handOffLocked(c)
			p.popWaiterLocked(k).ch <- grant{conn: c}
			p.rotateLocked(k)
			return
		}
		if p.perEndpointOKLocked(k) && !p.globalOKLocked() {
			p.discardLocked(c)
			p.evicted++
			p.cfg.Metrics.incEvicted()
			p.wakeLocked()
			return
		}
	}

	c.state = StateIdle
	p.idle[c.key] = append(p.idle[c.key], c)
	p.numIdle++
	p.cfg.Metrics.setIdle(p.numIdle)
}

// Close closes every idle connection and fails every waiter with
// [ErrPoolClosed]. Busy connections are closed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	var conns []*Conn
	for key, list := range p.idle {
		for _, c := range list {
			c.state = StateBroken
			p.unreserveLocked(key)
			conns = append(conns, c)
		}
	}
	p.idle = make(map[Key][]*Conn)
	p.numIdle = 0
	p.cfg.Metrics.setIdle(0)

	for _, ws := range p.waiters {
		for _, w := range ws {
			w.ch <- grant{err: ErrPoolClosed}
		}
	}
	p.waiters = make(map[Key][]*waiter)
	p.order = nil
	p.unlock()

	var errs []error
	for _, c := range conns {
		if err := c.nc.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close connection to %s: %w", c.key, err))
		}
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	per := make(map[string]int, len(p.activePer))
	for k, n := range p.activePer {
		per[k.String()] = n
	}
	waiting := 0
	for _, ws := range p.waiters {
		waiting += len(ws)
	}
	return Stats{
		Active:               p.active,
		Idle:                 p.numIdle,
		Busy:                 p.numBusy,
		Waiting:              waiting,
		ActivePerEndpoint:    per,
		Created:              p.created,
		Reused:               p.reused,
		Discarded:            p.discarded,
		Evicted:              p.evicted,
		Waits:                p.waits,
		MaxActive:            p.maxActive,
		MaxActivePerEndpoint: p.maxPer,
	}
}

// unlock releases p.mu and closes connections retired while it was held.
func (p *Pool) unlock() {
	dead := p.dead
	p.dead = nil
	p.mu.Unlock()

	for _, c := range dead {
		if err := c.nc.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			p.logger.Debug("failed to close connection", "endpoint", c.key.String(), "error", err)
		}
	}
}

// takeIdleLocked pops the most recently used idle connection for key.
// Expired connections are retired on the way.
func (p *Pool) takeIdleLocked(key Key) *Conn {
	list := p.idle[key]
	if len(list) == 0 {
		return nil
	}

	c := list[len(list)-1]
	if p.cfg.IdleTimeout > 0 && p.now().Sub(c.lastUsed) > p.cfg.IdleTimeout {
		// everything older than the newest is expired too
		for _, old := range list {
			p.discardLocked(old)
		}
		p.numIdle -= len(list)
		delete(p.idle, key)
		p.cfg.Metrics.setIdle(p.numIdle)
		return nil
	}

	list[len(list)-1] = nil
	if len(list) == 1 {
		delete(p.idle, key)
	} else {
		p.idle[key] = list[:len(list)-1]
	}
	p.numIdle--
	p.cfg.Metrics.setIdle(p.numIdle)
	p.handOffLocked(c)
	return c
}

// handOffLocked marks a previously used connection busy again.
func (p *Pool) handOffLocked(c *Conn) {
	c.state = StateBusy
	c.reused = true
	p.numBusy++
	p.reused++
	p.cfg.Metrics.incReused()
	p.logger.Debug("connection reused", "endpoint", c.key.String())
}

// discardLocked retires c and frees its quota. c must not be on an idle
// list.
func (p *Pool) discardLocked(c *Conn) {
	c.state = StateBroken
	p.unreserveLocked(c.key)
	p.dead = append(p.dead, c)
}

func (p *Pool) perEndpointOKLocked(key Key) bool {
	max := p.cfg.MaxConnectionsPerEndpoint
	return max <= 0 || p.activePer[key] < max
}

func (p *Pool) globalOKLocked() bool {
	max := p.cfg.MaxConnections
	return max <= 0 || p.active < max
}

// makeRoomLocked reports whether a new connection to key fits the quotas,
// evicting the least recently used idle connection of another endpoint if
// only the global cap is in the way.
func (p *Pool) makeRoomLocked(key Key) bool {
	if !p.perEndpointOKLocked(key) {
		return false
	}
	if p.globalOKLocked() {
		return true
	}
	return p.evictLocked(key)
}

func (p *Pool) evictLocked(except Key) bool {
	var (
		victim Key
		oldest *Conn
	)
	for k, list := range p.idle {
		if k == except || len(list) == 0 {
			continue
		}
		if c := list[0]; oldest == nil || c.lastUsed.Before(oldest.lastUsed) {
			victim, oldest = k, c
		}
	}
	if oldest == nil {
		return false
	}

	list := p.idle[victim]
	list[0] = nil
	if len(list) == 1 {
		delete(p.idle, victim)
	} else {
		p.idle[victim] = list[1:]
	}
	p.numIdle--
	p.cfg.Metrics.setIdle(p.numIdle)
	p.discardLocked(oldest)
	p.evicted++
	p.cfg.Metrics.incEvicted()
	p.logger.Debug("idle connection evicted", "endpoint", victim.String(), "for", except.String())
	return true
}

func (p *Pool) reserveLocked(key Key) {
	p.active++
	p.activePer[key]++
	if p.active > p.maxActive {
		p.maxActive = p.active
	}
	if n := p.activePer[key]; n > p.maxPer {
		p.maxPer = n
	}
	p.cfg.Metrics.setActive(key, p.active, p.activePer[key])
}

func (p *Pool) unreserveLocked(key Key) {
	p.active--
	n := p.activePer[key] - 1
	if n <= 0 {
		delete(p.activePer, key)
		n = 0
	} else {
		p.activePer[key] = n
	}
	p.cfg.Metrics.setActive(key, p.active, n)
}

func (p *Pool) enqueueLocked(w *waiter) {
	if len(p.waiters[w.key]) == 0 {
		p.order = append(p.order, w.key)
	}
	p.waiters[w.key] = append(p.waiters[w.key], w)
}

func (p *Pool) popWaiterLocked(key Key) *waiter {
	ws := p.waiters[key]
	w := ws[0]
	ws[0] = nil
	if len(ws) == 1 {
		delete(p.waiters, key)
		p.dropOrderLocked(key)
	} else {
		p.waiters[key] = ws[1:]
	}
	return w
}

// dequeueLocked removes w if it is still queued.
func (p *Pool) dequeueLocked(w *waiter) bool {
	ws := p.waiters[w.key]
	for i, x := range ws {
		if x != w {
			continue
		}
		ws = append(ws[:i], ws[i+1:]...)
		if len(ws) == 0 {
			delete(p.waiters, w.key)
			p.dropOrderLocked(w.key)
		} else {
			p.waiters[w.key] = ws
		}
		return true
	}
	return false
}

func (p *Pool) dropOrderLocked(key Key) {
	for i, k := range p.order {
		if k == key {
			p.order = append(p.order[:i], p.order[i+1:]...)
			return
		}
	}
}

// wakeLocked hands out dial permits to waiters while quota allows, one
// waiter per endpoint per round. A served endpoint moves to the back of the
// rotation.
func (p *Pool) wakeLocked() {
	if p.closed {
		return
	}
	for len(p.order) > 0 {
		round := append([]Key(nil), p.order...)
		served := false
		for _, k := range round {
			if len(p.waiters[k]) == 0 {
				continue
			}
			if c := p.takeIdleLocked(k); c != nil {
				p.popWaiterLocked(k).ch <- grant{conn: c}
				p.rotateLocked(k)
				served = true
				continue
			}
			if !p.makeRoomLocked(k) {
				continue
			}
			p.reserveLocked(k)
			p.popWaiterLocked(k).ch <- grant{dial: true}
			p.rotateLocked(k)
			served = true
		}
		if !served {
			return
		}
	}
}

// rotateLocked moves key to the back of the rotation if it still has
// waiters.
func (p *Pool) rotateLocked(key Key) {
	if len(p.waiters[key]) == 0 {
		return
	}
	p.dropOrderLocked(key)
	p.order = append(p.order, key)
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
