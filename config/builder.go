package config

import (
	"crypto/tls"
	"log/slog"
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jpalmerr/restflow"
)

// BuildOptions converts parsed configuration into client options.
//
// Zero values are left out so the SDK defaults apply.
func BuildOptions(cfg *Config, logger *slog.Logger, reg prometheus.Registerer) []restflow.Option {
	var opts []restflow.Option

	if cfg.MaxConnections > 0 {
		opts = append(opts, restflow.WithMaxConnections(cfg.MaxConnections))
	}
	if cfg.MaxConnectionsPerEndpoint > 0 {
		opts = append(opts, restflow.WithMaxConnectionsPerEndpoint(cfg.MaxConnectionsPerEndpoint))
	}
	if cfg.Workers > 0 {
		opts = append(opts, restflow.WithWorkers(cfg.Workers))
	}
	if cfg.DialTimeout > 0 {
		opts = append(opts, restflow.WithDialTimeout(cfg.DialTimeout.Duration()))
	}
	if cfg.IdleTimeout > 0 {
		opts = append(opts, restflow.WithIdleTimeout(cfg.IdleTimeout.Duration()))
	}
	if cfg.AcquireTimeout > 0 {
		opts = append(opts, restflow.WithAcquireTimeout(cfg.AcquireTimeout.Duration()))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, restflow.WithUserAgent(cfg.UserAgent))
	}
	if cfg.TLS.InsecureSkipVerify || cfg.TLS.ServerName != "" {
		opts = append(opts, restflow.WithTLSConfig(&tls.Config{
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
			ServerName:         cfg.TLS.ServerName,
		}))
	}
	if cb := cfg.CircuitBreaker; cb != nil {
		opts = append(opts, restflow.WithCircuitBreaker(cb.Threshold, cb.Cooldown.Duration()))
	}
	if reg != nil {
		opts = append(opts, restflow.WithMetricsRegisterer(reg))
	}
	if logger != nil {
		opts = append(opts, restflow.WithLogger(logger))
	}

	return opts
}

// HeaderPairs returns a target's headers as key-value pairs sorted by key.
func (t TargetConfig) HeaderPairs() [][2]string {
	// sort keys for deterministic ordering
	keys := make([]string, 0, len(t.Headers))
	for k := range t.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([][2]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, [2]string{k, t.Headers[k]})
	}
	return pairs
}
