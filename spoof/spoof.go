// Package spoof implements the header transform engine: request-side header
// spoofing and stripping, synthetic referers, response-side header cleaning,
// script injection into HTML bodies, and a cooperative request throttle.
//
// All transforms operate on net/http canonical header keys. Inbound header
// maps are normalised once at the HTTP boundary (http.Header.Set canonical
// form), so the engine never needs per-call case folding.
package spoof

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/shoutenbeepon-wq/rammerhead-proxy/fingerprint"
)

// trackingHeaders are the request headers that reveal the original client or
// the proxy chain. Deleted case-insensitively (http.Header.Del canonicalises)
// and idempotently.
var trackingHeaders = []string{
	"X-Forwarded-For",
	"X-Forwarded-Host",
	"X-Forwarded-Proto",
	"X-Forwarded-Port",
	"X-Real-Ip",
	"Via",
	"Forwarded",
	"Cf-Connecting-Ip",
	"Cf-Ipcountry",
	"Cf-Ray",
	"Cf-Visitor",
	"True-Client-Ip",
	"X-Client-Ip",
	"X-Cluster-Client-Ip",
}

// securityHeaders are stripped from both directions: on requests they are
// meaningless and fingerprintable, on responses they would constrain how the
// proxied content renders inside the caller's page.
var securityHeaders = []string{
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
	"X-Frame-Options",
	"Strict-Transport-Security",
	"X-Content-Type-Options",
	"X-Xss-Protection",
}

// responseOnlyHeaders extends the response-side clean set with reporting and
// isolation headers that would leak the proxying or break embedding.
var responseOnlyHeaders = []string{
	"Report-To",
	"Nel",
	"Cross-Origin-Opener-Policy",
	"Cross-Origin-Embedder-Policy",
	"Cross-Origin-Resource-Policy",
	"Origin-Agent-Cluster",
	"Permissions-Policy",
	"Expect-Ct",
	"Public-Key-Pins",
}

// refererPaths is the fixed path set for synthetic same-origin referers.
var refererPaths = []string{
	"/",
	"/index.html",
	"/search",
	"/home",
	"/products",
	"/news",
}

// Fixed browser-like values written by SpoofHeaders. The sec-ch-ua tokens
// track the Chrome 120 line, matching the archetype user agents.
const (
	spoofAccept         = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8"
	spoofAcceptLanguage = "en-US,en;q=0.9"
	spoofAcceptEncoding = "gzip, deflate, br"
	spoofSecChUa        = `"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`
)

// Engine bundles the pure header transforms with the small amount of shared
// state the throttle needs (lastRequest, requestCount).
//
// The throttle state is per-Engine. An engine created per request therefore
// throttles nothing across requests; cross-request pacing needs one shared
// Engine (or the per-host limiter in the proxy package). The counter and
// timestamp are best-effort: two goroutines racing on ApplyRateLimit may
// both read a stale lastRequest and under-wait.
type Engine struct {
	mu           sync.Mutex
	rng          *mrand.Rand
	lastRequest  time.Time
	requestCount uint64

	now func() time.Time
}

// NewEngine returns an Engine seeded from crypto/rand.
func NewEngine() *Engine {
	var b [8]byte
	seed := time.Now().UnixNano()
	if _, err := rand.Read(b[:]); err == nil {
		seed = int64(binary.LittleEndian.Uint64(b[:])) // #nosec G115 – seed wrap is harmless
	}
	return NewEngineWithSeed(seed)
}

// NewEngineWithSeed returns an Engine with a deterministic random source and
// clock hook, for reproducible spoofing tests.
func NewEngineWithSeed(seed int64) *Engine {
	return &Engine{
		rng: mrand.New(mrand.NewSource(seed)), // #nosec G404 – header noise, not secrets
		now: time.Now,
	}
}

// SpoofHeaders returns a copy of h with the browser-identity headers
// overwritten: a user agent drawn at random across all archetypes (not
// necessarily any session's own fingerprint), fixed accept/language/encoding
// values, DNT, and the sec-fetch-*/sec-ch-ua* sets. The input map is not
// mutated.
func (e *Engine) SpoofHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h)+12)
	for k, vals := range h {
		out[k] = append([]string(nil), vals...)
	}

	out.Set("User-Agent", e.randomUserAgent())
	out.Set("Accept", spoofAccept)
	out.Set("Accept-Language", spoofAcceptLanguage)
	out.Set("Accept-Encoding", spoofAcceptEncoding)
	out.Set("Dnt", "1")
	out.Set("Sec-Fetch-Dest", "document")
	out.Set("Sec-Fetch-Mode", "navigate")
	out.Set("Sec-Fetch-Site", "none")
	out.Set("Sec-Fetch-User", "?1")
	out.Set("Sec-Ch-Ua", spoofSecChUa)
	out.Set("Sec-Ch-Ua-Mobile", "?0")
	out.Set("Sec-Ch-Ua-Platform", `"Windows"`)
	return out
}

// RemoveTrackingHeaders deletes the fixed tracking-header set from h in
// place. Absent keys are a no-op, so the call is idempotent.
func (e *Engine) RemoveTrackingHeaders(h http.Header) {
	for _, name := range trackingHeaders {
		h.Del(name)
	}
}

// RemoveSecurityHeaders deletes the fixed security-header set from h in
// place. Absent keys are a no-op, so the call is idempotent.
func (e *Engine) RemoveSecurityHeaders(h http.Header) {
	for _, name := range securityHeaders {
		h.Del(name)
	}
}

// Referer builds a synthetic same-origin referer for targetURL: the
// target's scheme and host joined with one path drawn from a fixed set.
// Returns "" when targetURL cannot be parsed into an absolute URL.
func (e *Engine) Referer(targetURL string) string {
	u, err := url.Parse(targetURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	e.mu.Lock()
	path := refererPaths[e.rng.Intn(len(refererPaths))]
	e.mu.Unlock()
	return u.Scheme + "://" + u.Host + path
}

// FullSpoof composes the request-side transforms in their binding order:
// spoof identity headers, strip tracking headers, strip security headers,
// then force the referer and cache-bypass headers. Returns a new map; h is
// not mutated.
func (e *Engine) FullSpoof(h http.Header, targetURL string) http.Header {
	out := e.SpoofHeaders(h)
	e.RemoveTrackingHeaders(out)
	e.RemoveSecurityHeaders(out)

	if ref := e.Referer(targetURL); ref != "" {
		out.Set("Referer", ref)
	}
	out.Set("Upgrade-Insecure-Requests", "1")
	out.Set("Cache-Control", "max-age=0")
	out.Set("Pragma", "no-cache")
	return out
}

// ApplyRateLimit enforces the cooperative self-throttle: when less than
// minInterval has passed since the engine's previous request, the caller is
// suspended for the remaining delta plus a random jitter of up to the full
// interval. On return the engine's lastRequest is set to now and the request
// counter is incremented.
//
// The wait aborts with ctx.Err() when ctx is cancelled; the cancelled call
// does not count a request. A minInterval <= 0 never sleeps but still
// counts.
func (e *Engine) ApplyRateLimit(ctx context.Context, minInterval time.Duration) error {
	if minInterval > 0 {
		e.mu.Lock()
		last := e.lastRequest
		jitter := time.Duration(e.rng.Int63n(int64(minInterval)))
		e.mu.Unlock()

		if !last.IsZero() {
			if gap := e.now().Sub(last); gap < minInterval {
				timer := time.NewTimer(minInterval - gap + jitter)
				defer timer.Stop()
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-timer.C:
				}
			}
		}
	}

	e.mu.Lock()
	e.lastRequest = e.now()
	e.requestCount++
	e.mu.Unlock()
	return nil
}

// RequestCount returns how many throttled requests this engine has passed.
func (e *Engine) RequestCount() uint64 {
	e.mu.Lock()
	n := e.requestCount
	e.mu.Unlock()
	return n
}

// CleanResponseHeaders strips the response-side header set from h in place:
// the security set plus the reporting/isolation headers. Idempotent.
func (e *Engine) CleanResponseHeaders(h http.Header) {
	for _, name := range securityHeaders {
		h.Del(name)
	}
	for _, name := range responseOnlyHeaders {
		h.Del(name)
	}
}

// randomUserAgent draws uniformly across the archetype user agents.
func (e *Engine) randomUserAgent() string {
	agents := fingerprint.UserAgents()
	e.mu.Lock()
	ua := agents[e.rng.Intn(len(agents))]
	e.mu.Unlock()
	return ua
}
