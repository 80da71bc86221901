// Package config provides YAML configuration parsing for the restflow CLI.
//
// This package enables running restflow as a standalone load driver with a
// configuration file, as an alternative to the programmatic SDK approach.
//
// Example configuration:
//
//	max_connections: 500
//	max_connections_per_endpoint: 100
//	acquire_timeout: 30s
//	metrics_addr: ":9090"
//
//	targets:
//	  - name: posts
//	    url: ${API_URL:-http://localhost:8080}/manyposts
//	    requests: 500
//	    timeout: 10s
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// maxRequestsPerTarget bounds a single target's fan-out so a typo cannot
// launch millions of tasks.
const maxRequestsPerTarget = 100_000

// Config is the root configuration structure for a restflow run.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// MaxConnections caps open connections across all endpoints.
	// Defaults to 100.
	MaxConnections int `yaml:"max_connections"`

	// MaxConnectionsPerEndpoint caps open connections to a single
	// scheme/host/port. Defaults to 16.
	MaxConnectionsPerEndpoint int `yaml:"max_connections_per_endpoint"`

	// Workers is the number of worker slots. Defaults to GOMAXPROCS.
	Workers int `yaml:"workers"`

	// DialTimeout bounds connection establishment. Defaults to 10s.
	DialTimeout Duration `yaml:"dial_timeout"`

	// IdleTimeout is how long an unused connection stays pooled.
	// Defaults to 60s.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// AcquireTimeout bounds the wait for connection quota. Zero waits
	// indefinitely.
	AcquireTimeout Duration `yaml:"acquire_timeout"`

	// UserAgent is sent when a target does not set its own.
	UserAgent string `yaml:"user_agent"`

	TLS TLSConfig `yaml:"tls"`

	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker"`

	// MetricsAddr, when set, serves /metrics and /api/stats on this
	// address while the run is in progress.
	MetricsAddr string `yaml:"metrics_addr"`

	Targets []TargetConfig `yaml:"targets"`
}

// TLSConfig configures https endpoints.
type TLSConfig struct {
	// InsecureSkipVerify disables certificate verification. Only for test
	// servers.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// ServerName overrides the SNI name and the name verified against the
	// certificate.
	ServerName string `yaml:"server_name"`
}

// CircuitBreakerConfig enables the per-endpoint circuit breaker.
type CircuitBreakerConfig struct {
	// Threshold is the number of consecutive transport failures that opens
	// the breaker. Defaults to 5.
	Threshold uint32 `yaml:"threshold"`

	// Cooldown is how long the breaker stays open. Defaults to 30s.
	Cooldown Duration `yaml:"cooldown"`
}

// TargetConfig defines one URL to hit, and how many times.
type TargetConfig struct {
	// Name identifies the target in the summary.
	Name string `yaml:"name"`

	// URL is the request URL.
	// Supports environment variable substitution: ${VAR} or ${VAR:-default}
	URL string `yaml:"url"`

	// Method is the HTTP method, case-insensitive. Defaults to GET.
	Method string `yaml:"method"`

	// Headers are custom HTTP headers sent with each request.
	// Values support environment variable substitution.
	Headers map[string]string `yaml:"headers"`

	// Requests is how many concurrent tasks hit this target. Defaults to 1.
	Requests int `yaml:"requests"`

	// Timeout bounds each request including reading its body.
	Timeout Duration `yaml:"timeout"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// already have an error, skip processing
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
//
// Environment variables in the file are expanded before parsing.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
//
// Environment variables are expanded in target URLs and header values.
// Defaults are applied to Requests (1), Method (GET) and the circuit breaker.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// expandAndValidate expands environment variables, applies defaults and
// validates the config.
func (c *Config) expandAndValidate() error {
	if c.MaxConnections < 0 {
		return fmt.Errorf("max_connections cannot be negative, got %d", c.MaxConnections)
	}
	if c.MaxConnectionsPerEndpoint < 0 {
		return fmt.Errorf("max_connections_per_endpoint cannot be negative, got %d", c.MaxConnectionsPerEndpoint)
	}
	if c.MaxConnections > 0 && c.MaxConnectionsPerEndpoint > c.MaxConnections {
		return fmt.Errorf("max_connections_per_endpoint (%d) cannot exceed max_connections (%d)",
			c.MaxConnectionsPerEndpoint, c.MaxConnections)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers cannot be negative, got %d", c.Workers)
	}

	for name, d := range map[string]Duration{
		"dial_timeout":    c.DialTimeout,
		"idle_timeout":    c.IdleTimeout,
		"acquire_timeout": c.AcquireTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s cannot be negative, got %s", name, d.Duration())
		}
	}

	if cb := c.CircuitBreaker; cb != nil {
		if cb.Threshold == 0 {
			cb.Threshold = 5
		}
		if cb.Cooldown == 0 {
			cb.Cooldown = Duration(30 * time.Second)
		}
		if cb.Cooldown < 0 {
			return fmt.Errorf("circuit_breaker.cooldown cannot be negative, got %s", cb.Cooldown.Duration())
		}
	}

	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return fmt.Errorf("metrics_addr: %w", err)
		}
	}

	if len(c.Targets) == 0 {
		return errors.New("at least one target must be defined")
	}

	seen := make(map[string]struct{}, len(c.Targets))
	for i := range c.Targets {
		tg := &c.Targets[i]

		if tg.Name == "" {
			return fmt.Errorf("targets[%d]: name is required", i)
		}
		if _, dup := seen[tg.Name]; dup {
			return fmt.Errorf("targets[%d]: duplicate target name %q", i, tg.Name)
		}
		seen[tg.Name] = struct{}{}

		if tg.URL == "" {
			return fmt.Errorf("targets[%d] (%s): url is required", i, tg.Name)
		}
		expanded, err := expandEnvVars(tg.URL)
		if err != nil {
			return fmt.Errorf("targets[%d] (%s): url: %w", i, tg.Name, err)
		}
		tg.URL = expanded

		parsedURL, err := url.Parse(tg.URL)
		if err != nil {
			return fmt.Errorf("targets[%d] (%s): invalid url: %w", i, tg.Name, err)
		}
		if parsedURL.Scheme == "" {
			return fmt.Errorf("targets[%d] (%s): url must have a scheme (http:// or https://)", i, tg.Name)
		}
		if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
			return fmt.Errorf("targets[%d] (%s): url scheme must be http or https, got %q", i, tg.Name, parsedURL.Scheme)
		}
		if parsedURL.Host == "" {
			return fmt.Errorf("targets[%d] (%s): url must have a host", i, tg.Name)
		}

		for k, v := range tg.Headers {
			expanded, err := expandEnvVars(v)
			if err != nil {
				return fmt.Errorf("targets[%d] (%s): headers[%s]: %w", i, tg.Name, k, err)
			}
			tg.Headers[k] = expanded
		}

		tg.Method = strings.ToUpper(tg.Method)
		switch tg.Method {
		case "":
			tg.Method = "GET"
		case "GET", "HEAD", "POST", "PUT", "PATCH", "DELETE":
		default:
			return fmt.Errorf("targets[%d] (%s): method must be GET, HEAD, POST, PUT, PATCH or DELETE", i, tg.Name)
		}

		switch {
		case tg.Requests == 0:
			tg.Requests = 1
		case tg.Requests < 0:
			return fmt.Errorf("targets[%d] (%s): requests cannot be negative, got %d", i, tg.Name, tg.Requests)
		case tg.Requests > maxRequestsPerTarget:
			return fmt.Errorf("targets[%d] (%s): requests must not exceed %d, got %d",
				i, tg.Name, maxRequestsPerTarget, tg.Requests)
		}

		if tg.Timeout < 0 {
			return fmt.Errorf("targets[%d] (%s): timeout cannot be negative, got %s",
				i, tg.Name, tg.Timeout.Duration())
		}
	}

	return nil
}

// TotalRequests returns the number of tasks a run will submit.
func (c *Config) TotalRequests() int {
	n := 0
	for _, tg := range c.Targets {
		n += tg.Requests
	}
	return n
}
