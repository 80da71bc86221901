package restflow

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/jpalmerr/restflow/internal/pool"
)

const tcpKeepAlive = 30 * time.Second

// dialFunc builds the pool's dialer: TCP through cfg.dialer, then a TLS
// handshake for https endpoints.
func dialFunc(cfg *clientConfig) pool.DialFunc {
	dial := cfg.dialer
	if dial == nil {
		d := &net.Dialer{KeepAlive: tcpKeepAlive}
		dial = d.DialContext
	}

	return func(ctx context.Context, key pool.Key) (net.Conn, error) {
		ctx, cancel := context.WithTimeout(ctx, cfg.dialTimeout)
		defer cancel()

		raw, err := dial(ctx, "tcp", key.Addr())
		if err != nil {
			return nil, err
		}
		if key.Scheme != "https" {
			return raw, nil
		}

		tc := tlsConfigFor(cfg.tlsConfig, key.Host)
		conn := tls.Client(raw, tc)
		if err := conn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, fmt.Errorf("TLS handshake failed: %w", err)
		}
		return conn, nil
	}
}

func tlsConfigFor(base *tls.Config, host string) *tls.Config {
	var c *tls.Config
	if base != nil {
		c = base.Clone()
	} else {
		c = &tls.Config{}
	}
	if c.ServerName == "" {
		c.ServerName = host
	}
	// the framing layer speaks HTTP/1.1 only
	c.NextProtos = []string{"http/1.1"}
	return c
}
