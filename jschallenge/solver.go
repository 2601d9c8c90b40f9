// Package jschallenge evaluates the JavaScript interstitials some origins
// serve before admitting a client – cookie-seeding scripts, dynamic math
// expressions, obfuscated one-liners – and captures the cookies they set.
//
// The evaluation runs in-process on the otto pure-Go JavaScript interpreter;
// no headless browser or external process is involved. Scripts see a minimal
// browser-like global environment (window, document, navigator, location)
// seeded with the disguise the proxy presented to the origin, so the cookies
// they compute match what the origin expects from that identity.
//
// Architecture:
//   - Solver wraps one otto VM per challenge. VMs are cheap to build and are
//     never reused across origins, so state from one page cannot leak into
//     another.
//   - document.cookie is backed by an accumulating store the way browsers do
//     it: each assignment adds or replaces one name=value pair rather than
//     overwriting the whole string.
//   - Eval interrupts scripts that run longer than a fixed budget. Origin
//     JavaScript is untrusted input and must not be able to pin a relay
//     goroutine.
package jschallenge

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/robertkrimen/otto"
)

// evalTimeout bounds a single Eval call. Real interstitials finish in
// milliseconds; anything still running after this is looping.
const evalTimeout = 2 * time.Second

var errHalt = errors.New("jschallenge: script interrupted")

// Solver evaluates challenge scripts inside a sandboxed otto VM.
// It is safe for concurrent use: a mutex serialises access to the VM.
type Solver struct {
	vm *otto.Otto
	mu sync.Mutex
}

// New creates a Solver whose browser stub reflects the identity presented to
// the origin: navigator.userAgent carries the disguise's User-Agent and
// location mirrors pageURL. Challenge scripts routinely branch on both, so
// the stub must agree with the outbound request or the computed cookie will
// not validate.
func New(userAgent, pageURL string) (*Solver, error) {
	if userAgent == "" {
		userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	}
	loc, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("jschallenge: parse page url: %w", err)
	}

	vm := otto.New()
	bootstrap := fmt.Sprintf(`
var window = this;
var __cookies = [];
var document = {};
Object.defineProperty(document, "cookie", {
	get: function () { return __cookies.join("; "); },
	set: function (v) {
		var pair = String(v).split(";")[0];
		var eq = pair.indexOf("=");
		if (eq < 1) { return; }
		var name = pair.slice(0, eq) + "=";
		for (var i = 0; i < __cookies.length; i++) {
			if (__cookies[i].indexOf(name) === 0) { __cookies[i] = pair; return; }
		}
		__cookies.push(pair);
	}
});
document.createElement = function () { return {}; };
document.getElementById = function () { return null; };
document.addEventListener = function () {};
var navigator = { userAgent: %q, language: "en-US", platform: %q };
var location = { href: %q, protocol: %q, host: %q, hostname: %q, pathname: %q };
var setTimeout = function (fn) { if (typeof fn === "function") { fn(); } return 0; };
var setInterval = function () { return 0; };
window.document = document;
window.navigator = navigator;
window.location = location;
`, userAgent, platformFor(userAgent),
		loc.String(), loc.Scheme+":", loc.Host, loc.Hostname(), pathOrSlash(loc))

	if _, err := vm.Run(bootstrap); err != nil {
		return nil, fmt.Errorf("jschallenge: bootstrap JS globals: %w", err)
	}
	return &Solver{vm: vm}, nil
}

// Eval executes script and returns the string form of the last expression
// value. Scripts exceeding the evaluation budget are interrupted and reported
// as an error; the VM remains usable afterwards.
func (s *Solver) Eval(script string) (result string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.vm.Interrupt = make(chan func(), 1)
	timer := time.AfterFunc(evalTimeout, func() {
		s.vm.Interrupt <- func() { panic(errHalt) }
	})
	defer timer.Stop()
	defer func() {
		if r := recover(); r != nil {
			if r == errHalt {
				err = fmt.Errorf("jschallenge: eval: script exceeded %s budget", evalTimeout)
				return
			}
			panic(r)
		}
	}()

	val, err := s.vm.Run(script)
	if err != nil {
		return "", fmt.Errorf("jschallenge: eval: %w", err)
	}
	out, err := val.ToString()
	if err != nil {
		return "", fmt.Errorf("jschallenge: convert result to string: %w", err)
	}
	return out, nil
}

// SeedCookies preloads document.cookie with the pairs from a Cookie header
// ("a=1; b=2") so multi-stage challenges that read back earlier cookies find
// them in place. Pairs are assigned individually to go through the
// accumulating setter.
func (s *Solver) SeedCookies(header string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pair := range strings.Split(header, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		script := fmt.Sprintf("document.cookie = %q;", pair)
		if _, err := s.vm.Run(script); err != nil {
			return fmt.Errorf("jschallenge: seed document.cookie: %w", err)
		}
	}
	return nil
}

// Cookies returns the accumulated document.cookie string ("a=1; b=2").
// Challenge scripts store their proof-of-work result here; callers copy it
// into the session's cookie jar after solving.
func (s *Solver) Cookies() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	val, err := s.vm.Run("document.cookie")
	if err != nil {
		return "", fmt.Errorf("jschallenge: read document.cookie: %w", err)
	}
	return val.String(), nil
}

// LooksLikeChallenge reports whether an origin response resembles a JavaScript
// cookie interstitial: a 403 or 503 HTML page whose markup assigns
// document.cookie. Plain error pages fail the last test and are relayed
// untouched.
func LooksLikeChallenge(statusCode int, contentType string, body []byte) bool {
	if statusCode != http.StatusForbidden && statusCode != http.StatusServiceUnavailable {
		return false
	}
	if !strings.Contains(strings.ToLower(contentType), "text/html") {
		return false
	}
	return bytes.Contains(bytes.ToLower(body), []byte("document.cookie"))
}

// InlineScripts returns the bodies of the inline <script> blocks in an HTML
// document, in source order. Blocks with a src attribute are skipped:
// external scripts cannot be fetched during solving.
func InlineScripts(body []byte) []string {
	var scripts []string
	lower := bytes.ToLower(body)
	pos := 0
	for {
		open := bytes.Index(lower[pos:], []byte("<script"))
		if open < 0 {
			return scripts
		}
		open += pos
		gt := bytes.IndexByte(lower[open:], '>')
		if gt < 0 {
			return scripts
		}
		start := open + gt + 1
		end := bytes.Index(lower[start:], []byte("</script"))
		if end < 0 {
			return scripts
		}
		if !bytes.Contains(lower[open:open+gt], []byte("src=")) {
			if src := bytes.TrimSpace(body[start : start+end]); len(src) > 0 {
				scripts = append(scripts, string(src))
			}
		}
		pos = start + end + len("</script")
	}
}

// platformFor guesses a navigator.platform value from a User-Agent string.
func platformFor(userAgent string) string {
	switch {
	case strings.Contains(userAgent, "Windows"):
		return "Win32"
	case strings.Contains(userAgent, "Macintosh"):
		return "MacIntel"
	case strings.Contains(userAgent, "iPhone"):
		return "iPhone"
	case strings.Contains(userAgent, "Android"):
		return "Linux armv81"
	default:
		return "Linux x86_64"
	}
}

func pathOrSlash(u *url.URL) string {
	if u.Path == "" {
		return "/"
	}
	return u.Path
}
