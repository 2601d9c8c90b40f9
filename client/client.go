// Package client builds the outbound HTTP clients the proxy uses to reach
// origin servers.
package client

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	utls "github.com/refraction-networking/utls"
)

// Config groups the transport-layer knobs that are set once at construction
// time. Exposing them as a struct makes unit-testing easier and keeps New's
// signature small.
type Config struct {
	// Proxy is an optional upstream proxy URL, e.g. "http://host:port".
	// Empty means direct.
	Proxy string

	// ProxyFunc, when non-nil, selects an upstream proxy per request and
	// takes precedence over Proxy. The upstream rotator plugs in here.
	ProxyFunc func(*http.Request) (*url.URL, error)

	// Timeout is the end-to-end request timeout passed to http.Client.Timeout.
	Timeout time.Duration

	// ConnectTimeout bounds the TCP dial for new connections. Zero uses 30s.
	ConnectTimeout time.Duration

	// ResponseTimeout bounds the wait for upstream response headers after
	// the request is fully written. Zero uses 30s.
	ResponseTimeout time.Duration

	// Pool sizing. Zero values fall back to defaults sized for ~500
	// concurrent sessions spread across many origins.
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int

	// TLSParrot switches the transport to a uTLS-backed HTTP/2 stack that
	// presents a browser ClientHello instead of the crypto/tls default,
	// selected per request to match the spoofed User-Agent.
	TLSParrot bool

	// HelloID pins one parroted browser for all requests when TLSParrot is
	// set. Zero keeps the per-request selection.
	HelloID utls.ClientHelloID
}

// transportDefaults holds the tuning values used when callers leave the
// corresponding fields at zero.
var transportDefaults = Config{
	ConnectTimeout:      30 * time.Second,
	ResponseTimeout:     30 * time.Second,
	MaxIdleConns:        500,
	MaxIdleConnsPerHost: 100,
	MaxConnsPerHost:     200,
}

// New constructs a *http.Client that is safe for concurrent use by every
// session at once.
//
// Design decisions:
//
//  1. The proxy gets its own http.Transport rather than the package default,
//     with explicit pool limits (MaxIdleConns / MaxIdleConnsPerHost /
//     MaxConnsPerHost) sized for thousands of relayed requests competing
//     for idle connections.
//
//  2. Redirects are never followed. The proxy mirrors upstream status codes,
//     3xx included, so the browser sees the same Location the origin sent.
//     CheckRedirect returns http.ErrUseLastResponse to hand the redirect
//     response back untouched.
//
//  3. No cookie jar. Cookies live in the session store, which attaches them
//     per request and absorbs Set-Cookie from responses. A jar on a shared
//     client would smear cookies across sessions.
//
//  4. Auto-decompression never fires: the header engine always sets an
//     explicit Accept-Encoding, and net/http only decompresses bodies when
//     it added the header itself. Response bytes therefore stream through
//     exactly as the origin sent them; the HTML-injection path decompresses
//     explicitly via DecompressResponse.
//
//  5. With TLSParrot set, the transport is the uTLS HTTP/2 stack from
//     NewParrotTransport, which matches the TLS fingerprint and SETTINGS
//     values to the browser each request's User-Agent claims.
func New(cfg Config) (*http.Client, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = transportDefaults.ConnectTimeout
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = transportDefaults.ResponseTimeout
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = transportDefaults.MaxIdleConns
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = transportDefaults.MaxIdleConnsPerHost
	}
	if cfg.MaxConnsPerHost <= 0 {
		cfg.MaxConnsPerHost = transportDefaults.MaxConnsPerHost
	}

	var (
		rt  http.RoundTripper
		err error
	)
	if cfg.TLSParrot {
		if cfg.Proxy != "" || cfg.ProxyFunc != nil {
			return nil, fmt.Errorf("client: TLS parroting requires direct egress, drop the upstream proxy or the parrot flag")
		}
		rt = NewParrotTransport(ParrotConfig{HelloID: cfg.HelloID})
	} else {
		rt, err = buildTransport(cfg)
		if err != nil {
			return nil, err
		}
	}

	return &http.Client{
		Transport: rt,
		Timeout:   cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

// buildTransport creates an *http.Transport with tuned defaults. If cfg.Proxy
// is non-empty it is parsed and attached to the transport.
func buildTransport(cfg Config) (*http.Transport, error) {
	t := &http.Transport{
		// Keep-alives stay on; stated here so nobody "fixes" it.
		DisableKeepAlives: false,

		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,

		// Bound the wait for response headers so a silent origin cannot
		// hold a relay slot forever.
		ResponseHeaderTimeout: cfg.ResponseTimeout,

		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,

		// Idle sockets a browser tab abandoned get reclaimed after 90 s.
		IdleConnTimeout: 90 * time.Second,

		// A handshake still pending after 10 s is a dead origin.
		TLSHandshakeTimeout: 10 * time.Second,

		// Caps the 100-continue wait for request bodies that use Expect.
		ExpectContinueTimeout: 1 * time.Second,

		// Negotiate HTTP/2 over TLS when the origin offers it.
		ForceAttemptHTTP2: true,
	}

	switch {
	case cfg.ProxyFunc != nil:
		t.Proxy = cfg.ProxyFunc
	case cfg.Proxy != "":
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("client: parse proxy URL %q: %w", cfg.Proxy, err)
		}
		t.Proxy = http.ProxyURL(proxyURL)
	}

	return t, nil
}
