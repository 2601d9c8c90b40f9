package client

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"

	utls "github.com/refraction-networking/utls"
)

// h2Settings holds the per-family HTTP/2 SETTINGS values the transport can
// express through golang.org/x/net/http2. Window sizes and frame sizes are
// not exposed by the library and stay at its defaults.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc7540#section-6.5
type h2Settings struct {
	headerTableSize   uint32
	maxHeaderListSize uint32
}

// familySettings carries SETTINGS values captured from real clients. Chrome
// 120 raises SETTINGS_HEADER_TABLE_SIZE from the default 4 096 to 65 536
// octets and caps the header list at 262 144; Edge inherits both from
// Chromium. Firefox raises the table but advertises no list cap, and Safari
// keeps the RFC default table size.
var familySettings = map[browserFamily]h2Settings{
	familyChrome:  {headerTableSize: 65536, maxHeaderListSize: 262144},
	familyEdge:    {headerTableSize: 65536, maxHeaderListSize: 262144},
	familyFirefox: {headerTableSize: 65536},
	familySafari:  {headerTableSize: 4096},
}

// ChromePseudoHeaderOrder lists the HTTP/2 pseudo-header names in the order
// a real Chromium client sends them.
//
// The golang.org/x/net/http2 library writes pseudo-headers in a fixed
// internal order (:method, :path, :scheme, :authority). Chromium writes them
// as :method → :authority → :scheme → :path. Wire-level fidelity for
// pseudo-header ordering requires a patched http2 package; this constant
// documents the target order for integrators who need that level of
// precision.
var ChromePseudoHeaderOrder = []string{
	":method",
	":authority",
	":scheme",
	":path",
}

// ParrotConfig groups the tunable parameters for NewParrotTransport.
type ParrotConfig struct {
	// HelloID pins a single ClientHello for every request. Zero (the
	// default) selects the parrot per request from the User-Agent header.
	HelloID utls.ClientHelloID

	// IdleConnTimeout is the maximum time an idle HTTP/2 connection is kept
	// alive. Defaults to 90 s.
	IdleConnTimeout time.Duration

	// PingTimeout is the time after which a ping-based health-check fails.
	// Defaults to 15 s (the http2 library default).
	PingTimeout time.Duration

	// ReadIdleTimeout enables periodic ping health-checks when > 0.
	ReadIdleTimeout time.Duration
}

// NewParrotTransport returns an http.RoundTripper whose https traffic mimics
// the browser each request claims to be. The spoofed User-Agent header picks
// the parrot family, and that family supplies both the uTLS ClientHelloSpec
// (JA3/JA4 parity) and the HTTP/2 SETTINGS values, so a Firefox session
// handshakes like Firefox while a Chrome session handshakes like Chrome.
// One transport is built lazily per family; connection pools never mix
// fingerprints.
//
// DisableCompression stays false so the transport never injects its own
// Accept-Encoding header over the one the header engine set.
//
// Plain http:// requests carry no TLS fingerprint to disguise, so they are
// routed to a standard http.Transport instead of failing on the http2
// layer's https-only check.
func NewParrotTransport(cfg ParrotConfig) http.RoundTripper {
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}

	return &parrotRoundTripper{
		cfg: cfg,
		h2:  make(map[browserFamily]*http2.Transport),
		h1: &http.Transport{
			MaxIdleConns:        transportDefaults.MaxIdleConns,
			MaxIdleConnsPerHost: transportDefaults.MaxIdleConnsPerHost,
			MaxConnsPerHost:     transportDefaults.MaxConnsPerHost,
			IdleConnTimeout:     cfg.IdleConnTimeout,
		},
	}
}

// parrotRoundTripper routes https requests to the uTLS-backed HTTP/2
// transport for the request's browser family and everything else to a plain
// http.Transport.
type parrotRoundTripper struct {
	cfg ParrotConfig
	h1  *http.Transport

	mu sync.Mutex
	h2 map[browserFamily]*http2.Transport
}

func (t *parrotRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL == nil || req.URL.Scheme != "https" {
		return t.h1.RoundTrip(req)
	}
	return t.transportFor(req.Header.Get("User-Agent")).RoundTrip(req)
}

// transportFor returns the HTTP/2 transport for ua's browser family,
// building it on first use. A pinned cfg.HelloID overrides the per-request
// classification.
func (t *parrotRoundTripper) transportFor(ua string) *http2.Transport {
	var family browserFamily
	if t.cfg.HelloID != (utls.ClientHelloID{}) {
		family = familyForHelloID(t.cfg.HelloID)
	} else {
		family = familyForUserAgent(ua)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.h2[family]; ok {
		return tr
	}

	helloID := helloIDs[family]
	if t.cfg.HelloID != (utls.ClientHelloID{}) {
		helloID = t.cfg.HelloID
	}
	settings := familySettings[family]

	tr := &http2.Transport{
		// Every HTTP/2 connection handshakes through the family's uTLS
		// dialer.
		DialTLSContext: UTLSDialer(helloID),

		MaxDecoderHeaderTableSize: settings.headerTableSize,
		MaxEncoderHeaderTableSize: settings.headerTableSize,
		MaxHeaderListSize:         settings.maxHeaderListSize,

		DisableCompression: false,

		IdleConnTimeout: t.cfg.IdleConnTimeout,
		PingTimeout:     t.cfg.PingTimeout,
		ReadIdleTimeout: t.cfg.ReadIdleTimeout,
	}
	t.h2[family] = tr
	return tr
}

// familyForHelloID classifies a pinned ClientHelloID by its vendor string so
// the SETTINGS values stay coherent with the pinned handshake.
func familyForHelloID(id utls.ClientHelloID) browserFamily {
	switch id.Client {
	case "Firefox":
		return familyFirefox
	case "Safari", "iOS":
		return familySafari
	case "Edge":
		return familyEdge
	default:
		return familyChrome
	}
}
