package restflow

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DialFunc opens a plain TCP connection. TLS, when the endpoint needs it, is
// layered on top by the client.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// clientConfig holds mutable state during Client construction.
type clientConfig struct {
	maxConnections            int
	maxConnectionsPerEndpoint int
	workers                   int
	dialTimeout               time.Duration
	idleTimeout               time.Duration
	acquireTimeout            time.Duration
	tlsConfig                 *tls.Config
	dialer                    DialFunc
	userAgent                 string
	breakerThreshold          uint32
	breakerCooldown           time.Duration
	registerer                prometheus.Registerer
	logger                    *slog.Logger
}

// Option is a function that configures a [Client] during construction.
//
// Options return an error if validation fails, which [New] passes on.
type Option func(*clientConfig) error

// WithMaxConnections caps the number of connections open at once across
// all endpoints. Connections being dialed count too. Defaults to 100.
//
// Returns an error if n is zero or negative.
func WithMaxConnections(n int) Option {
	return func(cfg *clientConfig) error {
		if n <= 0 {
			return errors.New("max connections must be positive")
		}
		cfg.maxConnections = n
		return nil
	}
}

// WithMaxConnectionsPerEndpoint caps the number of connections open at once
// to a single [Endpoint]. Defaults to 16.
//
// Requests beyond the cap wait for a connection to be released; they do not
// fail.
//
// Returns an error if n is zero or negative.
func WithMaxConnectionsPerEndpoint(n int) Option {
	return func(cfg *clientConfig) error {
		if n <= 0 {
			return errors.New("max connections per endpoint must be positive")
		}
		cfg.maxConnectionsPerEndpoint = n
		return nil
	}
}

// WithWorkers sets the number of worker slots tasks are multiplexed onto.
// Defaults to runtime.GOMAXPROCS(0).
//
// Returns an error if n is zero or negative.
func WithWorkers(n int) Option {
	return func(cfg *clientConfig) error {
		if n <= 0 {
			return errors.New("workers must be positive")
		}
		cfg.workers = n
		return nil
	}
}

// WithDialTimeout bounds connection establishment, including the TLS
// handshake. Defaults to 10 seconds.
func WithDialTimeout(d time.Duration) Option {
	return func(cfg *clientConfig) error {
		if d <= 0 {
			return errors.New("dial timeout must be positive")
		}
		cfg.dialTimeout = d
		return nil
	}
}

// WithIdleTimeout sets how long an unused connection stays pooled. Zero
// keeps idle connections until the client closes. Defaults to 60 seconds.
func WithIdleTimeout(d time.Duration) Option {
	return func(cfg *clientConfig) error {
		if d < 0 {
			return errors.New("idle timeout cannot be negative")
		}
		cfg.idleTimeout = d
		return nil
	}
}

// WithAcquireTimeout bounds how long a request waits for connection quota.
// When it elapses the request fails with [ErrQuotaTimeout]. Zero, the
// default, waits indefinitely.
func WithAcquireTimeout(d time.Duration) Option {
	return func(cfg *clientConfig) error {
		if d < 0 {
			return errors.New("acquire timeout cannot be negative")
		}
		cfg.acquireTimeout = d
		return nil
	}
}

// WithTLSConfig sets the TLS configuration for https endpoints. The config
// is cloned; ServerName defaults to the endpoint host.
func WithTLSConfig(c *tls.Config) Option {
	return func(cfg *clientConfig) error {
		if c == nil {
			return errors.New("TLS config cannot be nil")
		}
		cfg.tlsConfig = c.Clone()
		return nil
	}
}

// WithDialer replaces the TCP dialer. The dial timeout still applies through
// the context.
func WithDialer(d DialFunc) Option {
	return func(cfg *clientConfig) error {
		if d == nil {
			return errors.New("dialer cannot be nil")
		}
		cfg.dialer = d
		return nil
	}
}

// WithUserAgent sets the User-Agent sent when a request does not set one.
func WithUserAgent(ua string) Option {
	return func(cfg *clientConfig) error {
		cfg.userAgent = ua
		return nil
	}
}

// WithCircuitBreaker enables a circuit breaker per endpoint. After threshold
// consecutive transport failures, requests to that endpoint fail fast with a
// [TransportError] for the cooldown period, after which one probe request is
// let through.
//
// Without this option a failed connection is simply discarded.
func WithCircuitBreaker(threshold uint32, cooldown time.Duration) Option {
	return func(cfg *clientConfig) error {
		if threshold == 0 {
			return errors.New("circuit breaker threshold must be positive")
		}
		if cooldown <= 0 {
			return errors.New("circuit breaker cooldown must be positive")
		}
		cfg.breakerThreshold = threshold
		cfg.breakerCooldown = cooldown
		return nil
	}
}

// WithMetricsRegisterer exports connection pool metrics to reg. The
// collectors are unregistered by [Client.CloseWhenReady].
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(cfg *clientConfig) error {
		if reg == nil {
			return errors.New("metrics registerer cannot be nil")
		}
		cfg.registerer = reg
		return nil
	}
}

// WithLogger sets a custom [slog.Logger] for the client. If not specified,
// [slog.Default] is used.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
//	client, err := restflow.New(restflow.WithLogger(logger))
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *clientConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}
