package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var (
	keyA = Key{Scheme: "http", Host: "a.example", Port: 80}
	keyB = Key{Scheme: "http", Host: "b.example", Port: 80}
	keyC = Key{Scheme: "https", Host: "c.example", Port: 443}
)

// pipeDialer hands out in-memory connections and counts them.
type pipeDialer struct {
	mu     sync.Mutex
	dialed int
	peers  []net.Conn
	fail   error
}

func (d *pipeDialer) dial(ctx context.Context, key Key) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	client, server := net.Pipe()
	d.dialed++
	d.peers = append(d.peers, server)
	return client, nil
}

func (d *pipeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialed
}

func (d *pipeDialer) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.peers {
		c.Close()
	}
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *pipeDialer) {
	t.Helper()
	d := &pipeDialer{}
	cfg.Dial = d.dial
	p, err := New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		p.Close()
		d.close()
	})
	return p, d
}

func acquireAsync(p *Pool, ctx context.Context, key Key) <-chan result {
	ch := make(chan result, 1)
	go func() {
		c, err := p.Acquire(ctx, key)
		ch <- result{c, err}
	}()
	return ch
}

type result struct {
	conn *Conn
	err  error
}

func waitResult(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Acquire")
		return result{}
	}
}

func assertBlocked(t *testing.T, ch <-chan result) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("Acquire returned early: conn=%v err=%v", r.conn, r.err)
	case <-time.After(30 * time.Millisecond):
	}
}

func waitWaiting(t *testing.T, p *Pool, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return p.Stats().Waiting == n }, 5*time.Second, time.Millisecond)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err, "nil dial must be rejected")

	_, err = New(Config{Dial: (&pipeDialer{}).dial, MaxConnections: -1}, nil)
	assert.Error(t, err, "negative cap must be rejected")
}

func TestKey_String(t *testing.T) {
	assert.Equal(t, "https://c.example:443", keyC.String())
	assert.Equal(t, "c.example:443", keyC.Addr())

	v6 := Key{Scheme: "http", Host: "::1", Port: 8080}
	assert.Equal(t, "[::1]:8080", v6.Addr())
}

func TestAcquire_CreatesLazily(t *testing.T) {
	p, d := newTestPool(t, Config{MaxConnections: 4})

	assert.Nil(t, p.TryIdle(keyA), "TryIdle on an empty pool")
	assert.Equal(t, 0, d.count(), "TryIdle must not dial")

	c, err := p.Acquire(context.Background(), keyA)
	require.NoError(t, err)
	assert.Equal(t, keyA, c.Key())
	assert.Equal(t, StateBusy, c.State())
	assert.False(t, c.Reused())
	assert.Equal(t, 1, d.count())

	st := p.Stats()
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 1, st.Busy)
	assert.Equal(t, 1, st.ActivePerEndpoint[keyA.String()])
}

func TestRelease_ReusesMostRecent(t *testing.T) {
	p, d := newTestPool(t, Config{})

	c1, err := p.Acquire(context.Background(), keyA)
	require.NoError(t, err)
	c2, err := p.Acquire(context.Background(), keyA)
	require.NoError(t, err)

	p.Release(c1, true)
	p.Release(c2, true)
	assert.Equal(t, StateIdle, c2.State())

	got := p.TryIdle(keyA)
	require.NotNil(t, got)
	assert.Same(t, c2, got, "most recently released connection is reused first")
	assert.True(t, got.Reused())

	got, err = p.Acquire(context.Background(), keyA)
	require.NoError(t, err)
	assert.Same(t, c1, got)
	assert.Equal(t, 2, d.count(), "no new dials for reuse")
	assert.Equal(t, int64(2), p.Stats().Reused)
}

func TestRelease_DoubleReleaseIgnored(t *testing.T) {
	p, _ := newTestPool(t, Config{})

	c, err := p.Acquire(context.Background(), keyA)
	require.NoError(t, err)

	p.Release(c, false)
	p.Release(c, true)

	assert.Equal(t, StateBroken, c.State())
	st := p.Stats()
	assert.Equal(t, 0, st.Active)
	assert.Equal(t, 0, st.Idle)
	assert.Equal(t, int64(1), st.Discarded)
}

func TestRelease_UnhealthyNeverIdle(t *testing.T) {
	p, d := newTestPool(t, Config{})

	c, err := p.Acquire(context.Background(), keyA)
	require.NoError(t, err)
	p.Release(c, false)

	assert.Nil(t, p.TryIdle(keyA))

	c2, err := p.Acquire(context.Background(), keyA)
	require.NoError(t, err)
	assert.NotSame(t, c, c2)
	assert.Equal(t, 2, d.count())

	// the discarded transport is closed
	_, err = c.NetConn().Write([]byte("x"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestAcquire_PerEndpointCapWaitsForHandoff(t *testing.T) {
	p, d := newTestPool(t, Config{MaxConnectionsPerEndpoint: 1})

	c, err := p.Acquire(context.Background(), keyA)
	require.NoError(t, err)

	ch := acquireAsync(p, context.Background(), keyA)
	assertBlocked(t, ch)
	waitWaiting(t, p, 1)

	// another endpoint is unaffected
	other, err := p.Acquire(context.Background(), keyB)
	require.NoError(t, err)
	p.Release(other, true)

	p.Release(c, true)
	r := waitResult(t, ch)
	require.NoError(t, r.err)
	assert.Same(t, c, r.conn, "healthy release hands the connection to the waiter")
	assert.Equal(t, 2, d.count())
	assert.Equal(t, int64(1), p.Stats().Waits)
}

func TestAcquire_UnhealthyReleaseGrantsDial(t *testing.T) {
	p, d := newTestPool(t, Config{MaxConnections: 1})

	c, err := p.Acquire(context.Background(), keyA)
	require.NoError(t, err)

	ch := acquireAsync(p, context.Background(), keyA)
	waitWaiting(t, p, 1)

	p.Release(c, false)
	r := waitResult(t, ch)
	require.NoError(t, r.err)
	assert.NotSame(t, c, r.conn)
	assert.Equal(t, 2, d.count())
	assert.Equal(t, 1, p.Stats().Active)
}

func TestAcquire_EvictsForeignIdle(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxConnections: 2})

	a1, err := p.Acquire(context.Background(), keyA)
	require.NoError(t, err)
	b1, err := p.Acquire(context.Background(), keyB)
	require.NoError(t, err)
	p.Release(a1, true)
	time.Sleep(time.Millisecond)
	p.Release(b1, true)

	// global cap reached; the least recently used idle connection goes
	c1, err := p.Acquire(context.Background(), keyC)
	require.NoError(t, err)
	assert.Equal(t, StateBroken, a1.State())
	assert.Equal(t, StateIdle, b1.State())

	st := p.Stats()
	assert.Equal(t, 2, st.Active)
	assert.Equal(t, int64(1), st.Evicted)
	p.Release(c1, true)
}

func TestRelease_TradesSlotForForeignWaiter(t *testing.T) {
	p, d := newTestPool(t, Config{MaxConnections: 1})

	a, err := p.Acquire(context.Background(), keyA)
	require.NoError(t, err)

	ch := acquireAsync(p, context.Background(), keyB)
	waitWaiting(t, p, 1)

	p.Release(a, true)
	r := waitResult(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, keyB, r.conn.Key())
	assert.Equal(t, StateBroken, a.State())
	assert.Equal(t, 2, d.count())
	assert.Equal(t, 1, p.Stats().Active)
}

func TestAcquire_FairAcrossEndpoints(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxConnections: 1})

	held, err := p.Acquire(context.Background(), keyC)
	require.NoError(t, err)

	var chans []<-chan result
	for i := 0; i < 3; i++ {
		chans = append(chans, acquireAsync(p, context.Background(), keyA))
		waitWaiting(t, p, len(chans))
	}
	chB := acquireAsync(p, context.Background(), keyB)
	waitWaiting(t, p, 4)

	// two rounds of capacity: one per endpoint, not two for A
	served := map[Key]int{}
	p.Release(held, false)
	for i := 0; i < 2; i++ {
		var r result
		select {
		case r = <-chB:
		case r = <-chans[0]:
			chans = chans[1:]
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for a grant")
		}
		require.NoError(t, r.err)
		served[r.conn.Key()]++
		p.Release(r.conn, false)
	}
	assert.Equal(t, 1, served[keyA])
	assert.Equal(t, 1, served[keyB])

	for _, ch := range chans {
		r := waitResult(t, ch)
		require.NoError(t, r.err)
		p.Release(r.conn, false)
	}
}

func TestAcquire_Timeout(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxConnections: 1, AcquireTimeout: 20 * time.Millisecond})

	c, err := p.Acquire(context.Background(), keyA)
	require.NoError(t, err)
	defer p.Release(c, true)

	_, err = p.Acquire(context.Background(), keyA)
	assert.ErrorIs(t, err, ErrQuotaTimeout)
	assert.Equal(t, 0, p.Stats().Waiting)
}

func TestAcquire_ContextCancelled(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxConnections: 1})

	c, err := p.Acquire(context.Background(), keyA)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch := acquireAsync(p, ctx, keyA)
	waitWaiting(t, p, 1)
	cancel()

	r := waitResult(t, ch)
	assert.ErrorIs(t, r.err, context.Canceled)

	// quota is intact for the next caller
	p.Release(c, true)
	c2, err := p.Acquire(context.Background(), keyA)
	require.NoError(t, err)
	assert.Same(t, c, c2)
}

func TestAcquire_DialErrorFreesQuota(t *testing.T) {
	p, d := newTestPool(t, Config{MaxConnections: 1})
	boom := errors.New("connection refused")

	d.mu.Lock()
	d.fail = boom
	d.mu.Unlock()

	_, err := p.Acquire(context.Background(), keyA)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, p.Stats().Active)

	d.mu.Lock()
	d.fail = nil
	d.mu.Unlock()

	_, err = p.Acquire(context.Background(), keyA)
	assert.NoError(t, err)
}

func TestIdleTimeout(t *testing.T) {
	p, d := newTestPool(t, Config{IdleTimeout: time.Minute})
	now := time.Now()
	p.now = func() time.Time { return now }

	c, err := p.Acquire(context.Background(), keyA)
	require.NoError(t, err)
	p.Release(c, true)

	now = now.Add(2 * time.Minute)
	assert.Nil(t, p.TryIdle(keyA), "expired connection must not be reused")
	assert.Equal(t, StateBroken, c.State())
	assert.Equal(t, 0, p.Stats().Active)

	_, err = p.Acquire(context.Background(), keyA)
	require.NoError(t, err)
	assert.Equal(t, 2, d.count())
}

func TestClose(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxConnectionsPerEndpoint: 1})

	idle, err := p.Acquire(context.Background(), keyB)
	require.NoError(t, err)
	p.Release(idle, true)

	busy, err := p.Acquire(context.Background(), keyA)
	require.NoError(t, err)

	ch := acquireAsync(p, context.Background(), keyA)
	waitWaiting(t, p, 1)

	require.NoError(t, p.Close())

	r := waitResult(t, ch)
	assert.ErrorIs(t, r.err, ErrPoolClosed)
	assert.Equal(t, StateBroken, idle.State(), "idle connections are closed")

	_, err = p.Acquire(context.Background(), keyA)
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.Nil(t, p.TryIdle(keyB))

	p.Release(busy, true)
	assert.Equal(t, StateBroken, busy.State(), "busy connections are closed on release")
	assert.Equal(t, 0, p.Stats().Active)

	assert.NoError(t, p.Close(), "second Close is a no-op")
}

// TestQuota_HoldsUnderContention hammers the pool from many goroutines and checks the
// high-water marks never exceed the caps.
func TestQuota_HoldsUnderContention(t *testing.T) {
	const (
		global = 5
		per    = 3
	)
	p, _ := newTestPool(t, Config{MaxConnections: global, MaxConnectionsPerEndpoint: per})
	keys := []Key{keyA, keyB, keyC}

	var wg sync.WaitGroup
	var failures atomic.Int64
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := p.Acquire(context.Background(), keys[i%len(keys)])
			if err != nil {
				failures.Add(1)
				return
			}
			time.Sleep(time.Millisecond)
			p.Release(c, i%4 != 0)
		}(i)
	}
	wg.Wait()

	st := p.Stats()
	assert.Zero(t, failures.Load())
	assert.LessOrEqual(t, st.MaxActive, global)
	assert.LessOrEqual(t, st.MaxActivePerEndpoint, per)
	assert.Equal(t, 0, st.Busy)
	assert.Equal(t, 0, st.Waiting)
	assert.Equal(t, st.Idle, st.Active)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics()
	require.NoError(t, m.Register(reg))
	assert.Error(t, m.Register(reg), "double registration fails")

	p, _ := newTestPool(t, Config{Metrics: m})

	c1, err := p.Acquire(context.Background(), keyA)
	require.NoError(t, err)
	c2, err := p.Acquire(context.Background(), keyA)
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.active))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.endpointActive.WithLabelValues(keyA.String())))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.created))

	p.Release(c1, true)
	p.Release(c2, false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.idle))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.discarded))

	p.TryIdle(keyA)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reused))

	m.Unregister(reg)
	assert.NoError(t, m.Register(reg), "register again after unregister")
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NoError(t, m.Register(prometheus.NewRegistry()))
	m.Unregister(prometheus.NewRegistry())
	m.setActive(keyA, 1, 1)
	m.incCreated()
}

func TestAllow_Breaker(t *testing.T) {
	p, _ := newTestPool(t, Config{Breaker: &BreakerSettings{Threshold: 2, Cooldown: time.Hour}})

	for i := 0; i < 2; i++ {
		done, err := p.Allow(keyA)
		require.NoError(t, err)
		done(false)
	}

	_, err := p.Allow(keyA)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)

	done, err := p.Allow(keyB)
	require.NoError(t, err, "breakers are per endpoint")
	done(true)
}

func TestAllow_NoBreaker(t *testing.T) {
	p, _ := newTestPool(t, Config{})
	for i := 0; i < 10; i++ {
		done, err := p.Allow(keyA)
		require.NoError(t, err)
		done(false)
	}
}

func TestDial_PanicReturnsReservation(t *testing.T) {
	d := &pipeDialer{}
	var calls atomic.Int32
	p, err := New(Config{
		MaxConnections:            1,
		MaxConnectionsPerEndpoint: 1,
		Dial: func(ctx context.Context, key Key) (net.Conn, error) {
			if calls.Add(1) == 1 {
				panic("dialer exploded")
			}
			return d.dial(ctx, key)
		},
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		p.Close()
		d.close()
	})

	func() {
		defer func() {
			assert.Equal(t, "dialer exploded", recover())
		}()
		p.Acquire(context.Background(), keyA)
	}()

	stats := p.Stats()
	assert.Equal(t, 0, stats.Active, "panicking dial must not keep its slot")
	assert.Equal(t, 0, stats.ActivePerEndpoint[keyA.String()])

	conn, err := p.Acquire(context.Background(), keyA)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stats().Active)
	p.Release(conn, true)
}
