// Package config provides environment-driven configuration for the proxy.
// Values are read from process environment variables (with an optional .env
// file loaded first), so the binary can be configured the same way in
// development, CI, and containerised deployments.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all tunable parameters for the proxy.
// The struct is loaded once at startup and then shared across goroutines as a
// read-only value, making it inherently thread-safe after initialization.
// Fields cover the HTTP listener, session-store limits, outbound transport
// tuning, and rate limiting.
type Config struct {
	// ListenAddr is the address the API/proxy server binds to.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// MaxSessions caps the number of live sessions the store will hold.
	// When the cap is reached, creating a new session evicts the
	// least-recently-accessed one.
	MaxSessions int `env:"MAX_SESSIONS" envDefault:"1000"`

	// SessionTimeout is the idle time after which a session is considered
	// stale. A read of a stale session deletes it and reports not-found.
	SessionTimeout time.Duration `env:"SESSION_TIMEOUT" envDefault:"24h"`

	// HistoryLimit bounds the per-session request log; the oldest entries
	// are discarded first.
	HistoryLimit int `env:"HISTORY_LIMIT" envDefault:"1000"`

	// ConnectTimeout bounds connection setup (TCP dial + TLS handshake) for
	// outbound requests.
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"30s"`

	// ResponseTimeout bounds the wait for upstream response headers after
	// the request has been fully written.
	ResponseTimeout time.Duration `env:"RESPONSE_TIMEOUT" envDefault:"30s"`

	// MinRequestInterval is the cooperative self-throttle applied by the
	// header engine between consecutive outbound requests. Zero disables it.
	MinRequestInterval time.Duration `env:"MIN_REQUEST_INTERVAL" envDefault:"0"`

	// HostRatePerSecond enables a shared per-target-host token-bucket
	// limiter when > 0. Unlike MinRequestInterval this gate is enforced
	// across all concurrent requests.
	HostRatePerSecond float64 `env:"HOST_RATE_PER_SECOND" envDefault:"0"`

	// HostRateBurst is the bucket size for the per-host limiter.
	HostRateBurst int `env:"HOST_RATE_BURST" envDefault:"5"`

	// SweepInterval is how often the background janitor scans for stale
	// sessions. Zero disables the janitor; stale sessions are then only
	// removed lazily when read.
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"10m"`

	// LogWorkers is the size of the pool that flushes request-log entries
	// into the session store off the response path.
	LogWorkers int `env:"LOG_WORKERS" envDefault:"4"`

	// ProxyFile is the path to a newline-delimited file of upstream proxy
	// addresses (host:port or scheme://host:port). Leave empty to connect
	// directly.
	ProxyFile string `env:"PROXY_FILE"`

	// ForwardOrigin, when set, turns every path outside the API surface into
	// a transparent relay to this origin: the inbound path and query are
	// substituted onto it verbatim. Empty disables the mirror.
	ForwardOrigin string `env:"FORWARD_ORIGIN"`

	// SolveChallenges opts session-bound requests into the in-process
	// JavaScript solver for cookie interstitials. Off by default: the relay
	// then performs only the mechanical header/body transforms.
	SolveChallenges bool `env:"SOLVE_CHALLENGES" envDefault:"false"`

	// TLSParrot selects browser ClientHello parroting for outbound HTTPS
	// when true, matched to each session's User-Agent; false uses the
	// standard library TLS stack.
	TLSParrot bool `env:"TLS_PARROT" envDefault:"false"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Environment switches log encoding: "development" uses console output,
	// anything else uses JSON.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// MaxIdleConns is the total maximum number of idle (keep-alive)
	// connections across all hosts in the outbound transport pool.
	MaxIdleConns int `env:"MAX_IDLE_CONNS" envDefault:"500"`

	// MaxIdleConnsPerHost caps idle connections to a single origin.
	MaxIdleConnsPerHost int `env:"MAX_IDLE_CONNS_PER_HOST" envDefault:"100"`

	// MaxConnsPerHost limits total connections (idle + active) to a single
	// origin so a slow origin cannot exhaust file descriptors.
	MaxConnsPerHost int `env:"MAX_CONNS_PER_HOST" envDefault:"200"`
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment variables always
// win over .env entries. Returns an error when a variable cannot be parsed
// into its field type (e.g. a malformed duration).
func Load() (*Config, error) {
	// Ignore the error: a missing .env file is the normal case outside of
	// local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a *Config pre-filled with the same defaults Load would
// apply in an empty environment. Callers are free to mutate the returned
// struct; each call returns a fresh independent copy. Tests use Default so
// they never depend on ambient environment variables.
func Default() *Config {
	return &Config{
		ListenAddr:          ":8080",
		MaxSessions:         1000,
		SessionTimeout:      24 * time.Hour,
		HistoryLimit:        1000,
		ConnectTimeout:      30 * time.Second,
		ResponseTimeout:     30 * time.Second,
		MinRequestInterval:  0,
		HostRatePerSecond:   0,
		HostRateBurst:       5,
		SweepInterval:       10 * time.Minute,
		LogWorkers:          4,
		ProxyFile:           "",
		ForwardOrigin:       "",
		SolveChallenges:     false,
		TLSParrot:           false,
		LogLevel:            "info",
		Environment:         "development",
		MaxIdleConns:        500,
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
	}
}

// validate rejects configurations that would make the proxy misbehave in
// non-obvious ways at runtime (a zero-capacity store, a negative timeout).
func (c *Config) validate() error {
	if c.MaxSessions <= 0 {
		return fmt.Errorf("config: MAX_SESSIONS must be positive, got %d", c.MaxSessions)
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("config: SESSION_TIMEOUT must be positive, got %s", c.SessionTimeout)
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("config: HISTORY_LIMIT must be positive, got %d", c.HistoryLimit)
	}
	if c.ConnectTimeout <= 0 || c.ResponseTimeout <= 0 {
		return fmt.Errorf("config: timeouts must be positive (connect=%s response=%s)",
			c.ConnectTimeout, c.ResponseTimeout)
	}
	if c.MinRequestInterval < 0 {
		return fmt.Errorf("config: MIN_REQUEST_INTERVAL must not be negative, got %s", c.MinRequestInterval)
	}
	if c.LogWorkers <= 0 {
		return fmt.Errorf("config: LOG_WORKERS must be positive, got %d", c.LogWorkers)
	}
	if c.ForwardOrigin != "" {
		u, err := url.Parse(c.ForwardOrigin)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config: FORWARD_ORIGIN must be an absolute http(s) URL, got %q", c.ForwardOrigin)
		}
	}
	return nil
}
