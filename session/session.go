// Package session provides the Session type and the Store that manages
// session lifecycle. A session is the unit of continuity for proxied
// browsing: it accumulates cookies, web-storage key/value pairs, and a
// request log, and carries a synthetic browser fingerprint that is fixed at
// creation.
package session

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shoutenbeepon-wq/rammerhead-proxy/fingerprint"
)

// RequestLogEntry records one proxied request. Entries are immutable once
// appended.
type RequestLogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	StatusCode int       `json:"statusCode"`
	DurationMs int64     `json:"durationMs"`
}

// Session represents one client's persistent browsing identity.
//
// Architecture notes:
//   - ID, CreatedAt, and Fingerprint are fixed at construction and never
//     mutated; they may be read without locking.
//   - A sync.RWMutex guards the mutable state (cookies, storage maps,
//     request history, lastAccessedAt) so the proxy pipeline can read
//     cookies while the store logs a completed request on the same session.
//   - Lock ordering is Store.mu before Session.mu; session methods never
//     call back into the store.
type Session struct {
	// ID is the opaque session token: 32 lowercase hex characters carrying
	// 128 bits of entropy.
	ID string

	// CreatedAt records when the session was constructed.
	CreatedAt time.Time

	// Fingerprint is the synthetic browser identity for this session.
	Fingerprint fingerprint.Fingerprint

	mu             sync.RWMutex
	lastAccessedAt time.Time
	cookies        map[string]string
	localStorage   map[string]string
	sessionStorage map[string]string
	history        []RequestLogEntry
}

// newSession constructs a Session with empty state. Callers (the Store)
// supply the id, fingerprint, and creation time.
func newSession(id string, fp fingerprint.Fingerprint, now time.Time) *Session {
	return &Session{
		ID:             id,
		CreatedAt:      now,
		Fingerprint:    fp,
		lastAccessedAt: now,
		cookies:        make(map[string]string),
		localStorage:   make(map[string]string),
		sessionStorage: make(map[string]string),
	}
}

// LastAccessedAt returns the time of the most recent touch.
func (s *Session) LastAccessedAt() time.Time {
	s.mu.RLock()
	t := s.lastAccessedAt
	s.mu.RUnlock()
	return t
}

// touch refreshes the last-accessed timestamp.
func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastAccessedAt = now
	s.mu.Unlock()
}

// cookieKey builds the composite storage key: "domain:name" when a domain is
// given, bare "name" otherwise. Domains are lower-cased and stripped of any
// leading dot so "example.com" and ".Example.com" address the same cookie.
func cookieKey(name, domain string) string {
	if domain == "" {
		return name
	}
	return strings.TrimPrefix(strings.ToLower(domain), ".") + ":" + name
}

// setCookie stores a cookie value under the composite key.
func (s *Session) setCookie(name, value, domain string) {
	s.mu.Lock()
	s.cookies[cookieKey(name, domain)] = value
	s.mu.Unlock()
}

// cookie returns the value stored under the composite key.
func (s *Session) cookie(name, domain string) (string, bool) {
	s.mu.RLock()
	v, ok := s.cookies[cookieKey(name, domain)]
	s.mu.RUnlock()
	return v, ok
}

// deleteCookie removes a cookie; used when an upstream sets an expired value.
func (s *Session) deleteCookie(name, domain string) {
	s.mu.Lock()
	delete(s.cookies, cookieKey(name, domain))
	s.mu.Unlock()
}

// CookieHeader assembles a Cookie header value for a request to host: all
// bare-name cookies plus every domain-qualified cookie whose domain matches
// host (exact or parent-domain suffix). Pairs are sorted by name so the
// header is deterministic. Returns "" when nothing applies.
func (s *Session) CookieHeader(host string) string {
	host = strings.ToLower(host)

	s.mu.RLock()
	pairs := make([]string, 0, len(s.cookies))
	for key, value := range s.cookies {
		i := strings.IndexByte(key, ':')
		if i < 0 {
			pairs = append(pairs, key+"="+value)
			continue
		}
		domain, name := key[:i], key[i+1:]
		if host == domain || strings.HasSuffix(host, "."+domain) {
			pairs = append(pairs, name+"="+value)
		}
	}
	s.mu.RUnlock()

	sort.Strings(pairs)
	return strings.Join(pairs, "; ")
}

// absorbCookies merges cookies parsed from an upstream response into the
// session, keyed by the cookie's declared domain (or defaultDomain when the
// attribute is absent). A cookie with MaxAge < 0 or an Expires in the past
// deletes the stored value, mirroring how a browser would treat it.
func (s *Session) absorbCookies(cookies []*http.Cookie, defaultDomain string, now time.Time) {
	for _, c := range cookies {
		if c.Name == "" {
			continue
		}
		domain := c.Domain
		if domain == "" {
			domain = defaultDomain
		}
		expired := c.MaxAge < 0 || (!c.Expires.IsZero() && c.Expires.Before(now))
		if expired {
			s.deleteCookie(c.Name, domain)
			continue
		}
		s.setCookie(c.Name, c.Value, domain)
	}
}

// setStorage writes into one of the two web-storage maps.
func (s *Session) setStorage(local bool, key, value string) {
	s.mu.Lock()
	if local {
		s.localStorage[key] = value
	} else {
		s.sessionStorage[key] = value
	}
	s.mu.Unlock()
}

// storage reads from one of the two web-storage maps.
func (s *Session) storage(local bool, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if local {
		v, ok := s.localStorage[key]
		return v, ok
	}
	v, ok := s.sessionStorage[key]
	return v, ok
}

// appendLog appends one request log entry and trims the history to limit,
// discarding the oldest entries first.
func (s *Session) appendLog(entry RequestLogEntry, limit int) {
	s.mu.Lock()
	s.history = append(s.history, entry)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.mu.Unlock()
}

// HistoryLen returns the current request-log length.
func (s *Session) HistoryLen() int {
	s.mu.RLock()
	n := len(s.history)
	s.mu.RUnlock()
	return n
}

// recentHistory returns up to n most-recent log entries, oldest first within
// the window. The returned slice is a copy.
func (s *Session) recentHistory(n int) []RequestLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := len(s.history) - n
	if start < 0 {
		start = 0
	}
	out := make([]RequestLogEntry, len(s.history)-start)
	copy(out, s.history[start:])
	return out
}

// counts returns the sizes of the three state maps and the history.
func (s *Session) counts() (cookies, local, sessionStore, requests int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cookies), len(s.localStorage), len(s.sessionStorage), len(s.history)
}
