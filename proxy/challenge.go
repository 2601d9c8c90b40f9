package proxy

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shoutenbeepon-wq/rammerhead-proxy/client"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/jschallenge"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/session"
)

// maxChallengeBody bounds how much of a suspected interstitial is buffered
// for inspection. Real challenge pages are a few kilobytes; anything larger
// is relayed untouched.
const maxChallengeBody = 256 << 10

// solveChallenge inspects a 403/503 HTML answer on a session-bound request
// for a JavaScript cookie interstitial. When one is found it evaluates the
// page's inline scripts in a browser-stub VM, stores the cookies they seed on
// the session, and re-issues the original request once with those cookies
// attached.
//
// acted reports whether the caller's response was consumed: false means resp
// is intact (any bytes read for inspection are folded back into its body) and
// should be relayed as usual; true means the original is gone – retry carries
// the second answer, or err the reason there is none.
func (p *Pipeline) solveChallenge(ctx context.Context, preq *Request, target *url.URL, out http.Header, resp *http.Response, sess *session.Session) (retry *http.Response, acted bool, err error) {
	if !p.challenges || sess == nil {
		return nil, false, nil
	}
	// The first dispatch consumed preq.Body; a replay would send it empty.
	// Interstitials guard page loads, so body-carrying requests pass through.
	if preq.Body != nil {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, false, nil
	}
	if !isHTML(resp.Header.Get("Content-Type")) {
		return nil, false, nil
	}

	raw, overflow, readErr := readCapped(resp.Body, maxChallengeBody)
	if readErr != nil {
		// The body died mid-read before anything reached the client; a 502
		// is still possible and more honest than a truncated 403.
		resp.Body.Close()
		return nil, true, fmt.Errorf("read upstream body: %w", readErr)
	}
	// Whatever happens below, the caller must be able to relay resp as if
	// its body had never been touched.
	resp.Body = &prefixedBody{prefix: bytes.NewReader(raw), rest: resp.Body}
	if overflow {
		return nil, false, nil
	}

	decoded, decErr := client.DecodeBytes(resp.Header.Get("Content-Encoding"), raw)
	if decErr != nil {
		p.log.Debugf("challenge check skipped, body not decodable: %v", decErr)
		return nil, false, nil
	}
	if !jschallenge.LooksLikeChallenge(resp.StatusCode, resp.Header.Get("Content-Type"), decoded) {
		return nil, false, nil
	}

	// One solve per session at a time: parallel requests stuck on the same
	// interstitial would race their cookie writes and burn VM time solving
	// it twice.
	if lockErr := p.locks.lock(ctx, sess.ID); lockErr != nil {
		return nil, false, nil
	}
	defer p.locks.unlock(sess.ID)

	if p.runChallengeScripts(decoded, out.Get("User-Agent"), target, sess) == 0 {
		return nil, false, nil
	}
	p.log.Infof("challenge solved: host=%s session=%s", target.Host, sess.ID)
	if p.metrics != nil {
		p.metrics.IncChallengesSolved()
	}

	// Close the interstitial and replay the request with the fresh cookies.
	// The replay goes back through the host limiter so the retry cannot
	// outpace the budget the first attempt was held to.
	resp.Body.Close()
	retryOut := out.Clone()
	if cookie := sess.CookieHeader(target.Hostname()); cookie != "" {
		retryOut.Set("Cookie", cookie)
	}
	if throttleErr := p.throttle(ctx, target.Host); throttleErr != nil {
		return nil, true, throttleErr
	}
	retry, dispatchErr := p.dispatch(ctx, preq, target, retryOut)
	if dispatchErr != nil {
		return nil, true, dispatchErr
	}
	return retry, true, nil
}

// runChallengeScripts evaluates the page's inline scripts against a VM whose
// browser stub mirrors the outbound disguise, then absorbs document.cookie
// into the session. Returns how many cookies were added or changed.
//
// Cookies identical to what the session already holds do not count, so a page
// whose scripts change nothing is relayed untouched instead of retried
// forever.
func (p *Pipeline) runChallengeScripts(page []byte, userAgent string, target *url.URL, sess *session.Session) int {
	solver, err := jschallenge.New(userAgent, target.String())
	if err != nil {
		p.log.Debugf("challenge solver init failed: %v", err)
		return 0
	}
	host := target.Hostname()
	if seed := sess.CookieHeader(host); seed != "" {
		if err := solver.SeedCookies(seed); err != nil {
			p.log.Debugf("challenge cookie seed failed: %v", err)
		}
	}
	for _, script := range jschallenge.InlineScripts(page) {
		if _, err := solver.Eval(script); err != nil {
			// Interstitials mix working scripts with ones that need APIs the
			// stub lacks; evaluate everything that runs.
			p.log.Debugf("challenge script error: %v", err)
		}
	}
	header, err := solver.Cookies()
	if err != nil {
		return 0
	}

	stored := 0
	for _, pair := range strings.Split(header, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" {
			continue
		}
		if prev, exists := p.store.Cookie(sess.ID, name, host); exists && prev == value {
			continue
		}
		if p.store.SetCookie(sess.ID, name, value, host) {
			stored++
		}
	}
	return stored
}
