// Package proxy implements the request forwarding pipeline: inbound requests
// are validated, disguised by the header engine, relayed to the target
// origin, and their responses cleaned, CORS-opened, and streamed back.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shoutenbeepon-wq/rammerhead-proxy/client"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/fingerprint"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/logger"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/metrics"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/session"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/spoof"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/worker"
)

// state tracks a request's progress through the pipeline. Transitions are
// linear except for ERRORED, reachable from VALIDATED (bad target) and
// FORWARDED (upstream failure).
type state uint8

const (
	stateReceived state = iota
	stateValidated
	stateHeadersTransformed
	stateForwarded
	stateResponseTransformed
	stateCompleted
	stateErrored
)

func (s state) String() string {
	switch s {
	case stateReceived:
		return "RECEIVED"
	case stateValidated:
		return "VALIDATED"
	case stateHeadersTransformed:
		return "HEADERS_TRANSFORMED"
	case stateForwarded:
		return "FORWARDED"
	case stateResponseTransformed:
		return "RESPONSE_TRANSFORMED"
	case stateCompleted:
		return "COMPLETED"
	case stateErrored:
		return "ERRORED"
	}
	return "UNKNOWN"
}

const (
	corsAllowOrigin  = "*"
	corsAllowMethods = "GET, POST, PUT, PATCH, DELETE, HEAD, OPTIONS"
	corsAllowHeaders = "Content-Type, Authorization, X-Requested-With"

	// forcedCacheControl overrides whatever caching policy the origin sent;
	// a disguise proxy must never let intermediaries cache one session's
	// responses for another.
	forcedCacheControl = "no-cache, no-store, must-revalidate"

	// maxInjectableBody bounds how much HTML the injector will buffer.
	// Larger documents stream through untouched.
	maxInjectableBody = 10 << 20
)

// hopHeaders are the hop-by-hop names stripped from both directions, the
// same set net/http/httputil removes.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Request carries one inbound request through the pipeline. It is owned
// exclusively by the in-flight call and discarded when the response
// completes.
type Request struct {
	// Target is the absolute URL to relay to.
	Target string

	// Method is the outbound HTTP method.
	Method string

	// Header holds the inbound request headers the disguise starts from.
	Header http.Header

	// Body is the outbound request body, nil for body-less methods.
	Body io.Reader

	// Overrides are caller-supplied header values that win over the
	// spoofed set. Empty names or values are skipped.
	Overrides map[string]string

	// UserAgent, when non-empty, wins over both the spoofed and the
	// overridden user agent.
	UserAgent string

	// SessionID optionally binds the request to a stored session. Unknown
	// ids degrade to anonymous.
	SessionID string

	// InjectScripts asks for the emulation payloads to be spliced into
	// HTML responses. Only honored on session-bound requests: the scripts
	// emulate a concrete fingerprint, and anonymous requests have none.
	InjectScripts bool
}

// Options wires a Pipeline's collaborators.
type Options struct {
	// Client performs the outbound calls. Required.
	Client *http.Client

	// Engine supplies the header transforms. Required.
	Engine *spoof.Engine

	// Store resolves session bindings. Required.
	Store *session.Store

	// Log receives state-transition traces and relay errors. nil means
	// silent.
	Log *logger.Logger

	// Metrics receives request counters. nil disables instrumentation.
	Metrics *metrics.Metrics

	// LogPool, when set, runs session history appends off the response
	// path. nil appends inline.
	LogPool *worker.Pool

	// ScriptsFor returns the payloads to splice into HTML responses for a
	// session with the given fingerprint. nil disables injection.
	ScriptsFor func(fingerprint.Fingerprint) []string

	// SolveChallenges enables the JavaScript interstitial solver for
	// session-bound requests that hit a 403/503 cookie challenge.
	SolveChallenges bool

	// MinRequestInterval is the header engine's cooperative self-throttle
	// gap. Zero disables the delay.
	MinRequestInterval time.Duration

	// HostRatePerSecond enables the shared per-host limiter when positive.
	HostRatePerSecond float64
	HostRateBurst     int
}

// Pipeline turns inbound proxy calls into disguised upstream requests and
// relays the responses back.
//
// Architecture notes:
//
//   - The pipeline owns the http.ResponseWriter for the whole exchange: it
//     writes the 400/502 error bodies as well as the relayed response, so
//     the routing layer never has to guess whether a reply was sent.
//   - Response bodies stream through byte-identical. The only exception is
//     an HTML response on a session-bound request with injection enabled,
//     which is buffered, decompressed as needed, spliced, and re-sent with
//     a corrected Content-Length.
//   - Session history appends go through the worker pool so a contended
//     session lock never delays the client's bytes. A saturated pool drops
//     the entry.
type Pipeline struct {
	client      *http.Client
	engine      *spoof.Engine
	store       *session.Store
	log         *logger.Logger
	metrics     *metrics.Metrics
	pool        *worker.Pool
	scriptsFor  func(fingerprint.Fingerprint) []string
	challenges  bool
	locks       *keyLock
	minInterval time.Duration
	hosts       *hostLimiter
}

// New assembles a Pipeline from opts.
func New(opts Options) *Pipeline {
	log := opts.Log
	if log == nil {
		log = logger.NewNop()
	}
	return &Pipeline{
		client:      opts.Client,
		engine:      opts.Engine,
		store:       opts.Store,
		log:         log,
		metrics:     opts.Metrics,
		pool:        opts.LogPool,
		scriptsFor:  opts.ScriptsFor,
		challenges:  opts.SolveChallenges,
		locks:       newKeyLock(),
		minInterval: opts.MinRequestInterval,
		hosts:       newHostLimiter(opts.HostRatePerSecond, opts.HostRateBurst),
	}
}

// Forward runs one request through the full state machine and writes the
// outcome to w. OPTIONS requests short-circuit immediately with a CORS
// preflight answer and never reach the upstream.
func (p *Pipeline) Forward(ctx context.Context, w http.ResponseWriter, preq *Request) {
	reqID := uuid.NewString()
	start := time.Now()
	st := stateReceived
	p.trace(reqID, st)

	if preq.Method == http.MethodOptions {
		writePreflight(w)
		p.trace(reqID, stateCompleted)
		return
	}

	target, err := validateTarget(preq.Target)
	if err != nil {
		st = stateErrored
		p.trace(reqID, st)
		p.respondError(w, http.StatusBadRequest, "invalid target URL", err.Error())
		p.logToSession(ctx, preq, http.StatusBadRequest, start)
		return
	}
	st = stateValidated
	p.trace(reqID, st)

	sess := p.resolveSession(preq.SessionID)

	out := p.buildOutboundHeaders(preq, sess)
	st = stateHeadersTransformed
	p.trace(reqID, st)

	if err := p.throttle(ctx, target.Host); err != nil {
		// The client went away while we were pacing; there is nobody left
		// to answer.
		p.trace(reqID, stateErrored)
		return
	}

	resp, err := p.dispatch(ctx, preq, target, out)
	if err == nil {
		st = stateForwarded
		p.trace(reqID, st)
		// A 403/503 interstitial on a session-bound request may be solvable;
		// acted means resp was consumed either way.
		if retry, acted, cerr := p.solveChallenge(ctx, preq, target, out, resp, sess); acted {
			resp, err = retry, cerr
		}
	}
	if err != nil {
		st = stateErrored
		p.trace(reqID, st)
		p.log.Warnf("upstream fetch failed: target=%s err=%v", target.Host, err)
		if p.metrics != nil {
			p.metrics.RecordFailure(preq.Method, failureReason(err), time.Since(start))
		}
		p.respondError(w, http.StatusBadGateway, "upstream request failed", err.Error())
		p.logToSession(ctx, preq, http.StatusBadGateway, start)
		return
	}
	defer resp.Body.Close()

	p.transformResponse(resp, preq, sess)
	st = stateResponseTransformed
	p.trace(reqID, st)

	p.relay(w, resp, preq, sess)
	st = stateCompleted
	p.trace(reqID, st)

	if p.metrics != nil {
		p.metrics.RecordRequest(preq.Method, resp.StatusCode, time.Since(start))
	}
	p.logToSession(ctx, preq, resp.StatusCode, start)
}

// OutboundURL builds the URL the pipeline would relay to: the target's
// origin with the inbound path and query substituted verbatim. The target's
// own path and query are discarded, mirroring a transparent reverse-proxy
// contract.
func OutboundURL(target string, inboundPath, inboundQuery string) (string, error) {
	u, err := validateTarget(target)
	if err != nil {
		return "", err
	}
	out := url.URL{
		Scheme:   u.Scheme,
		Host:     u.Host,
		Path:     inboundPath,
		RawQuery: inboundQuery,
	}
	return out.String(), nil
}

// validateTarget accepts only well-formed absolute http/https URLs.
func validateTarget(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("target URL is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("target URL has no host")
	}
	return u, nil
}

// resolveSession looks up the binding, degrading unknown or stale ids to
// anonymous.
func (p *Pipeline) resolveSession(id string) *session.Session {
	if id == "" {
		return nil
	}
	sess, ok := p.store.Get(id)
	if !ok {
		p.log.Debugf("session %s not found, treating request as anonymous", id)
		return nil
	}
	return sess
}

// buildOutboundHeaders layers the disguise: full spoof first, then caller
// overrides, then the caller's user agent, then the session's cookies.
func (p *Pipeline) buildOutboundHeaders(preq *Request, sess *session.Session) http.Header {
	out := p.engine.FullSpoof(preq.Header, preq.Target)

	for name, value := range preq.Overrides {
		if strings.TrimSpace(name) == "" || value == "" {
			continue
		}
		out.Set(name, value)
	}
	if preq.UserAgent != "" {
		out.Set("User-Agent", preq.UserAgent)
	}
	if sess != nil {
		if target, err := url.Parse(preq.Target); err == nil {
			if cookie := sess.CookieHeader(target.Hostname()); cookie != "" {
				out.Set("Cookie", cookie)
			}
		}
	}

	for _, name := range hopHeaders {
		out.Del(name)
	}
	return out
}

// throttle applies the engine's cooperative delay and then the shared
// per-host limiter. Both respect ctx.
func (p *Pipeline) throttle(ctx context.Context, host string) error {
	if p.minInterval > 0 {
		if err := p.engine.ApplyRateLimit(ctx, p.minInterval); err != nil {
			return err
		}
	}
	if p.hosts != nil {
		if err := p.hosts.wait(ctx, host); err != nil {
			return err
		}
	}
	return nil
}

// dispatch issues the outbound call with the disguised header set.
func (p *Pipeline) dispatch(ctx context.Context, preq *Request, target *url.URL, out http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, preq.Method, target.String(), preq.Body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header = out
	return p.client.Do(req)
}

// transformResponse cleans the origin's headers and captures Set-Cookie
// values into the bound session before anything reaches the client.
func (p *Pipeline) transformResponse(resp *http.Response, preq *Request, sess *session.Session) {
	if sess != nil {
		if cookies := resp.Cookies(); len(cookies) > 0 {
			if target, err := url.Parse(preq.Target); err == nil {
				p.store.AbsorbResponseCookies(sess.ID, target.Hostname(), cookies)
			}
		}
	}

	p.engine.CleanResponseHeaders(resp.Header)
	for _, name := range hopHeaders {
		resp.Header.Del(name)
	}
}

// relay writes the transformed response to the client, splicing emulation
// scripts into HTML when the request asked for injection and is bound to a
// session. Everything else streams through byte-identical.
func (p *Pipeline) relay(w http.ResponseWriter, resp *http.Response, preq *Request, sess *session.Session) {
	if preq.InjectScripts && sess != nil && p.scriptsFor != nil && isHTML(resp.Header.Get("Content-Type")) {
		if p.relayInjected(w, resp, sess) {
			return
		}
		// Injection fell through (oversized or undecodable body); the
		// prepared stream continues below.
	}

	copyHeader(w.Header(), resp.Header)
	forceCORS(w.Header())
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.log.Debugf("response stream interrupted: %v", err)
	}
}

// relayInjected buffers the HTML body, splices the session's scripts, and
// sends the result with a corrected Content-Length. It reports false when
// the body cannot be injected, leaving resp.Body positioned so the caller
// can still stream what remains.
func (p *Pipeline) relayInjected(w http.ResponseWriter, resp *http.Response, sess *session.Session) bool {
	if err := client.DecompressResponse(resp); err != nil {
		p.log.Debugf("injection skipped, body not decodable: %v", err)
		return false
	}

	buf, overflow, err := readCapped(resp.Body, maxInjectableBody)
	if err != nil {
		p.respondError(w, http.StatusBadGateway, "upstream read failed", err.Error())
		return true
	}
	if overflow {
		p.log.Debugf("injection skipped, body exceeds %d bytes", maxInjectableBody)
		resp.Body = &prefixedBody{prefix: bytes.NewReader(buf), rest: resp.Body}
		return false
	}

	injected := spoof.InjectScripts(buf, p.scriptsFor(sess.Fingerprint))
	if p.metrics != nil {
		p.metrics.IncHTMLInjections()
	}

	copyHeader(w.Header(), resp.Header)
	forceCORS(w.Header())
	w.Header().Set("Content-Length", strconv.Itoa(len(injected)))
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(injected); err != nil {
		p.log.Debugf("injected response write interrupted: %v", err)
	}
	return true
}

// logToSession appends a history entry for bound sessions. The append runs
// on the worker pool when one is wired and is skipped entirely once the
// client has disconnected.
func (p *Pipeline) logToSession(ctx context.Context, preq *Request, status int, start time.Time) {
	if preq.SessionID == "" || ctx.Err() != nil {
		return
	}
	id := preq.SessionID
	method := preq.Method
	target := preq.Target
	duration := time.Since(start)

	if p.pool == nil {
		p.store.LogRequest(id, method, target, status, duration)
		return
	}
	if !p.pool.TrySubmit(func() {
		p.store.LogRequest(id, method, target, status, duration)
	}) {
		p.log.Debugf("log pool saturated, dropping history entry for session %s", id)
	}
}

func (p *Pipeline) trace(reqID string, st state) {
	p.log.Debugf("request %s entered %s", reqID, st)
}

// respondError writes the structured error body shared by every pipeline
// failure: {"error": ..., "details": ...}.
func (p *Pipeline) respondError(w http.ResponseWriter, status int, message, details string) {
	forceCORS(w.Header())
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{
		"error":   message,
		"details": details,
	}); err != nil {
		p.log.Debugf("error body write failed: %v", err)
	}
}

// writePreflight answers an OPTIONS request without touching the upstream.
func writePreflight(w http.ResponseWriter) {
	forceCORS(w.Header())
	w.WriteHeader(http.StatusOK)
}

func forceCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", corsAllowOrigin)
	h.Set("Access-Control-Allow-Methods", corsAllowMethods)
	h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
	h.Set("Cache-Control", forcedCacheControl)
}

func copyHeader(dst, src http.Header) {
	for name, values := range src {
		dst[name] = append([]string(nil), values...)
	}
}

func isHTML(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/html")
}

// readCapped reads up to limit bytes. overflow reports that the source had
// more; the surplus byte that proved it is folded back into the returned
// buffer's tail so no data is lost.
func readCapped(r io.Reader, limit int) (buf []byte, overflow bool, err error) {
	buf, err = io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, false, err
	}
	if len(buf) > limit {
		return buf, true, nil
	}
	return buf, false, nil
}

// prefixedBody replays already-buffered bytes before the remaining stream.
type prefixedBody struct {
	prefix *bytes.Reader
	rest   io.ReadCloser
}

func (b *prefixedBody) Read(p []byte) (int, error) {
	if b.prefix.Len() > 0 {
		return b.prefix.Read(p)
	}
	return b.rest.Read(p)
}

func (b *prefixedBody) Close() error { return b.rest.Close() }

// failureReason buckets an upstream error for the metrics label.
func failureReason(err error) string {
	var nerr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &nerr) && nerr.Timeout():
		return "timeout"
	default:
		return "connect"
	}
}
