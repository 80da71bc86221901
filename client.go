package restflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jpalmerr/restflow/internal/pool"
	"github.com/jpalmerr/restflow/internal/scheduler"
)

const (
	defaultMaxConnections            = 100
	defaultMaxConnectionsPerEndpoint = 16
	defaultDialTimeout               = 10 * time.Second
	defaultIdleTimeout               = 60 * time.Second
	defaultUserAgent                 = "restflow/1.0"
)

// Client issues HTTP requests from cooperatively scheduled tasks over a
// shared, bounded pool of connections.
//
// A Client is created with [New], given work with [Submit] or
// [Client.Process], and torn down with [Client.CloseWhenReady]:
//
//	client, err := restflow.New(
//	    restflow.WithMaxConnections(500),
//	    restflow.WithMaxConnectionsPerEndpoint(100),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.CloseWhenReady()
//
//	fut, err := restflow.Submit(client, func(c *restflow.Context) (int, error) {
//	    resp, err := c.Get("http://localhost:8080/manyposts").Execute()
//	    if err != nil {
//	        return 0, err
//	    }
//	    n := 0
//	    for _, err := range restflow.NewIterator[Post](resp).All() {
//	        if err != nil {
//	            return n, err
//	        }
//	        n++
//	    }
//	    return n, nil
//	})
//
// All methods are safe for concurrent use.
type Client struct {
	sched      *scheduler.Scheduler
	pool       *pool.Pool
	metrics    *pool.Metrics
	registerer prometheus.Registerer
	logger     *slog.Logger
	userAgent  string

	closeOnce sync.Once
	closeErr  error
}

// New creates a [Client] with the given options.
//
// Defaults:
//   - Max connections: 100
//   - Max connections per endpoint: 16
//   - Workers: runtime.GOMAXPROCS(0)
//   - Dial timeout: 10 seconds
//   - Idle timeout: 60 seconds
//   - Acquire timeout: none, requests wait for quota indefinitely
//
// Returns an error if any option is invalid or metrics registration fails.
func New(opts ...Option) (*Client, error) {
	cfg := &clientConfig{
		maxConnections:            defaultMaxConnections,
		maxConnectionsPerEndpoint: defaultMaxConnectionsPerEndpoint,
		dialTimeout:               defaultDialTimeout,
		idleTimeout:               defaultIdleTimeout,
		userAgent:                 defaultUserAgent,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	// default to slog.Default() if no logger provided
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	var metrics *pool.Metrics
	if cfg.registerer != nil {
		metrics = pool.NewMetrics()
		if err := metrics.Register(cfg.registerer); err != nil {
			return nil, err
		}
	}

	var breaker *pool.BreakerSettings
	if cfg.breakerThreshold > 0 {
		breaker = &pool.BreakerSettings{Threshold: cfg.breakerThreshold, Cooldown: cfg.breakerCooldown}
	}

	p, err := pool.New(pool.Config{
		MaxConnections:            cfg.maxConnections,
		MaxConnectionsPerEndpoint: cfg.maxConnectionsPerEndpoint,
		Dial:                      dialFunc(cfg),
		IdleTimeout:               cfg.idleTimeout,
		AcquireTimeout:            cfg.acquireTimeout,
		Metrics:                   metrics,
		Breaker:                   breaker,
	}, logger)
	if err != nil {
		metrics.Unregister(cfg.registerer)
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	c := &Client{
		sched:      scheduler.New(cfg.workers, logger),
		pool:       p,
		metrics:    metrics,
		registerer: cfg.registerer,
		logger:     logger,
		userAgent:  cfg.userAgent,
	}

	logger.Debug("client created",
		"max_connections", cfg.maxConnections,
		"max_connections_per_endpoint", cfg.maxConnectionsPerEndpoint,
		"workers", c.sched.Workers(),
	)
	return c, nil
}

// Submit runs fn as a new task on c and returns a [Future] for its result.
// Submit does not block.
//
// Returns [ErrClosed] once [Client.CloseWhenReady] has been called.
func Submit[T any](c *Client, fn func(*Context) (T, error)) (*Future[T], error) {
	return SubmitContext(context.Background(), c, fn)
}

// SubmitContext is [Submit] with a context. Cancelling ctx ends the task's
// pending waits and transport I/O with an error; the task itself decides
// how to react.
func SubmitContext[T any](ctx context.Context, c *Client, fn func(*Context) (T, error)) (*Future[T], error) {
	if fn == nil {
		return nil, errors.New("task function cannot be nil")
	}

	task, err := c.sched.Submit(ctx, func(s *scheduler.Suspend) (any, error) {
		tc := newContext(c, s)
		s.OnExit(tc.closeAll)
		return fn(tc)
	})
	if errors.Is(err, scheduler.ErrDraining) {
		return nil, ErrClosed
	}
	if err != nil {
		return nil, err
	}
	return &Future[T]{task: task}, nil
}

// Process runs fn as a task that produces no value.
func (c *Client) Process(fn func(*Context) error) (*Future[struct{}], error) {
	if fn == nil {
		return nil, errors.New("task function cannot be nil")
	}
	return Submit(c, func(tc *Context) (struct{}, error) {
		return struct{}{}, fn(tc)
	})
}

// CloseWhenReady stops accepting new tasks, waits for every submitted task
// to finish, then closes all pooled connections.
//
// In-flight tasks are never interrupted; a task that loops should check
// [Context.Draining] at its suspension points. Errors from closing idle
// connections are returned joined, after the drain has completed. Later
// calls block until the first completes and return its result.
//
// CloseWhenReady must not be called from inside a task: the task would wait
// for itself.
func (c *Client) CloseWhenReady() error {
	c.closeOnce.Do(func() {
		c.logger.Info("client draining")
		c.sched.Drain()

		err := c.pool.Close()
		c.metrics.Unregister(c.registerer)
		if err != nil {
			c.logger.Warn("errors while closing connections", "error", err)
			c.closeErr = fmt.Errorf("failed to close connection pool: %w", err)
		}
		c.logger.Info("client closed")
	})
	return c.closeErr
}

// Draining reports whether [Client.CloseWhenReady] has been called.
func (c *Client) Draining() bool {
	return c.sched.Draining()
}

// Stats returns a snapshot of pool and task counters.
func (c *Client) Stats() Stats {
	return Stats{
		Pool:     c.pool.Stats(),
		Tasks:    c.sched.Stats(),
		Draining: c.sched.Draining(),
	}
}
