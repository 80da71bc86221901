package restflow

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/jpalmerr/restflow/internal/pool"
)

// Endpoint identifies a network destination by scheme, host and port.
//
// Endpoint is immutable and comparable. Requests to equal endpoints share
// pooled connections and count against the same per-endpoint quota.
type Endpoint struct {
	scheme string
	host   string
	port   int
}

// Scheme returns "http" or "https".
func (e Endpoint) Scheme() string {
	return e.scheme
}

// Host returns the host name or IP address, without brackets.
func (e Endpoint) Host() string {
	return e.host
}

// Port returns the TCP port. Defaults to 80 for http and 443 for https.
func (e Endpoint) Port() int {
	return e.port
}

// String returns scheme://host:port.
func (e Endpoint) String() string {
	return e.key().String()
}

func (e Endpoint) key() pool.Key {
	return pool.Key{Scheme: e.scheme, Host: e.host, Port: e.port}
}

// ParseEndpoint extracts the [Endpoint] a URL refers to.
//
// Only http and https URLs are accepted. Path, query and fragment are
// ignored.
//
// Example:
//
//	ep, err := restflow.ParseEndpoint("https://api.example.com/v1/posts")
//	// ep.String() == "https://api.example.com:443"
func ParseEndpoint(rawURL string) (Endpoint, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid URL: %w", err)
	}
	return endpointOf(u)
}

func endpointOf(u *url.URL) (Endpoint, error) {
	scheme := strings.ToLower(u.Scheme)

	var defaultPort int
	switch scheme {
	case "http":
		defaultPort = 80
	case "https":
		defaultPort = 443
	case "":
		return Endpoint{}, errors.New("URL must have a scheme (http:// or https://)")
	default:
		return Endpoint{}, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return Endpoint{}, errors.New("URL must have a host")
	}

	port := defaultPort
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return Endpoint{}, fmt.Errorf("invalid port %q", p)
		}
		port = n
	}

	return Endpoint{scheme: scheme, host: strings.ToLower(host), port: port}, nil
}
