// Package session – Store manages the lifecycle of all sessions.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/shoutenbeepon-wq/rammerhead-proxy/fingerprint"
)

// Store holds every live session and enforces the capacity and idle-timeout
// limits.
//
// Concurrency model:
//   - A sync.RWMutex protects the sessions map. Because a successful read
//     refreshes lastAccessedAt (read-as-touch) and may delete a stale entry,
//     Get takes the full write lock; only the pure observers (Count, IDs,
//     Stats) use RLock.
//   - The clock is injected so tests drive eviction and staleness
//     deterministically instead of sleeping.
//   - Fingerprint generation happens outside the store lock; it needs no
//     store state.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	capacity     int
	idleTimeout  time.Duration
	historyLimit int

	now          func() time.Time
	fingerprints *fingerprint.Generator

	// totalCreated counts every session ever created, including evicted and
	// expired ones. Guarded by mu.
	totalCreated uint64
}

// Options configures a Store. Zero-value fields fall back to the documented
// defaults, so tests can specify only what they care about.
type Options struct {
	// Capacity caps live sessions; creating beyond it evicts the
	// least-recently-accessed session. Defaults to 1000.
	Capacity int

	// IdleTimeout is the staleness bound: a session read more than this
	// long after its last access is deleted instead of returned.
	// Defaults to 24h.
	IdleTimeout time.Duration

	// HistoryLimit bounds each session's request log. Defaults to 1000.
	HistoryLimit int

	// Clock supplies the store's notion of now. Defaults to time.Now.
	Clock func() time.Time

	// Fingerprints generates each new session's fingerprint. Defaults to a
	// generator seeded from crypto/rand.
	Fingerprints *fingerprint.Generator
}

// NewStore creates an empty Store with the given options.
func NewStore(opts Options) *Store {
	if opts.Capacity <= 0 {
		opts.Capacity = 1000
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 24 * time.Hour
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 1000
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Fingerprints == nil {
		opts.Fingerprints = fingerprint.NewGenerator()
	}
	return &Store{
		sessions:     make(map[string]*Session),
		capacity:     opts.Capacity,
		idleTimeout:  opts.IdleTimeout,
		historyLimit: opts.HistoryLimit,
		now:          opts.Clock,
		fingerprints: opts.Fingerprints,
	}
}

// Create inserts a new session and returns it. When the store is at
// capacity the session with the smallest lastAccessedAt is evicted first,
// so Create never fails.
func (st *Store) Create(overrides *fingerprint.Overrides) *Session {
	fp := st.fingerprints.Generate(overrides)

	st.mu.Lock()
	defer st.mu.Unlock()

	for len(st.sessions) >= st.capacity {
		st.evictOldestLocked()
	}

	now := st.now()
	s := newSession(st.newIDLocked(), fp, now)
	st.sessions[s.ID] = s
	st.totalCreated++
	return s
}

// Get returns the session with the given id, refreshing its
// lastAccessedAt. Staleness is evaluated against the timestamp as it was
// BEFORE the touch: a session idle past the timeout is deleted and reported
// not-found rather than resurrected by the read itself.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lookupLocked(id)
}

// lookupLocked implements the shared read discipline: expire-then-touch.
// Every store operation that addresses a session by id goes through it, so
// the idle timeout applies uniformly to all access paths.
func (st *Store) lookupLocked(id string) (*Session, bool) {
	s, ok := st.sessions[id]
	if !ok {
		return nil, false
	}
	now := st.now()
	if now.Sub(s.LastAccessedAt()) > st.idleTimeout {
		delete(st.sessions, id)
		return nil, false
	}
	s.touch(now)
	return s, true
}

// SetCookie stores a cookie on the session. domain may be empty for an
// unqualified cookie. Returns false when the session is missing or stale.
func (st *Store) SetCookie(id, name, value, domain string) bool {
	st.mu.Lock()
	s, ok := st.lookupLocked(id)
	st.mu.Unlock()
	if !ok {
		return false
	}
	s.setCookie(name, value, domain)
	return true
}

// Cookie reads a cookie from the session. The second return is false when
// either the session or the cookie is missing.
func (st *Store) Cookie(id, name, domain string) (string, bool) {
	st.mu.Lock()
	s, ok := st.lookupLocked(id)
	st.mu.Unlock()
	if !ok {
		return "", false
	}
	return s.cookie(name, domain)
}

// AbsorbResponseCookies merges Set-Cookie values from an upstream response
// into the session, keyed by each cookie's declared domain (falling back to
// host). Returned false means the session is missing or stale.
func (st *Store) AbsorbResponseCookies(id, host string, cookies []*http.Cookie) bool {
	if len(cookies) == 0 {
		return st.touchOnly(id)
	}
	st.mu.Lock()
	s, ok := st.lookupLocked(id)
	st.mu.Unlock()
	if !ok {
		return false
	}
	s.absorbCookies(cookies, host, st.now())
	return true
}

// touchOnly refreshes a session without mutating its state.
func (st *Store) touchOnly(id string) bool {
	st.mu.Lock()
	_, ok := st.lookupLocked(id)
	st.mu.Unlock()
	return ok
}

// SetLocalStorage writes a localStorage pair. Returns false when the
// session is missing or stale.
func (st *Store) SetLocalStorage(id, key, value string) bool {
	return st.setStorage(id, true, key, value)
}

// LocalStorage reads a localStorage value.
func (st *Store) LocalStorage(id, key string) (string, bool) {
	return st.getStorage(id, true, key)
}

// SetSessionStorage writes a sessionStorage pair. Returns false when the
// session is missing or stale.
func (st *Store) SetSessionStorage(id, key, value string) bool {
	return st.setStorage(id, false, key, value)
}

// SessionStorage reads a sessionStorage value.
func (st *Store) SessionStorage(id, key string) (string, bool) {
	return st.getStorage(id, false, key)
}

func (st *Store) setStorage(id string, local bool, key, value string) bool {
	st.mu.Lock()
	s, ok := st.lookupLocked(id)
	st.mu.Unlock()
	if !ok {
		return false
	}
	s.setStorage(local, key, value)
	return true
}

func (st *Store) getStorage(id string, local bool, key string) (string, bool) {
	st.mu.Lock()
	s, ok := st.lookupLocked(id)
	st.mu.Unlock()
	if !ok {
		return "", false
	}
	return s.storage(local, key)
}

// LogRequest appends a request log entry to the session, trimming the
// history to the configured limit. Returns false when the session is
// missing or stale.
func (st *Store) LogRequest(id, method, url string, statusCode int, duration time.Duration) bool {
	st.mu.Lock()
	s, ok := st.lookupLocked(id)
	st.mu.Unlock()
	if !ok {
		return false
	}
	s.appendLog(RequestLogEntry{
		Timestamp:  st.now(),
		Method:     method,
		URL:        url,
		StatusCode: statusCode,
		DurationMs: duration.Milliseconds(),
	}, st.historyLimit)
	return true
}

// Delete removes the session. Returns false when no such session exists.
func (st *Store) Delete(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[id]; !ok {
		return false
	}
	delete(st.sessions, id)
	return true
}

// Clear removes every session and returns how many were removed.
func (st *Store) Clear() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := len(st.sessions)
	st.sessions = make(map[string]*Session)
	return n
}

// Count returns the number of live sessions.
func (st *Store) Count() int {
	st.mu.RLock()
	n := len(st.sessions)
	st.mu.RUnlock()
	return n
}

// Stats is the store-level summary exposed by the sessions API.
type Stats struct {
	ActiveSessions int      `json:"activeSessions"`
	TotalSessions  uint64   `json:"totalSessions"`
	SessionIDs     []string `json:"sessionIds"`
}

// Stats returns the live session count, the cumulative creation count, and
// the current ids.
func (st *Store) Stats() Stats {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	return Stats{
		ActiveSessions: len(st.sessions),
		TotalSessions:  st.totalCreated,
		SessionIDs:     ids,
	}
}

// Details is the per-session summary exposed by the sessions API.
type Details struct {
	ID                  string                  `json:"sessionId"`
	CreatedAt           time.Time               `json:"createdAt"`
	LastAccessedAt      time.Time               `json:"lastAccessedAt"`
	CookieCount         int                     `json:"cookieCount"`
	LocalStorageCount   int                     `json:"localStorageCount"`
	SessionStorageCount int                     `json:"sessionStorageCount"`
	RequestCount        int                     `json:"requestCount"`
	RecentRequests      []RequestLogEntry       `json:"recentRequests"`
	Fingerprint         fingerprint.Fingerprint `json:"browserFingerprint"`
}

// recentRequestWindow is how many history entries Details returns.
const recentRequestWindow = 10

// Details returns a display summary of the session: state-map counts, the
// last 10 log entries, and the fingerprint. Returns nil when the session is
// missing or stale.
func (st *Store) Details(id string) *Details {
	st.mu.Lock()
	s, ok := st.lookupLocked(id)
	st.mu.Unlock()
	if !ok {
		return nil
	}

	cookies, local, sessionStore, requests := s.counts()
	return &Details{
		ID:                  s.ID,
		CreatedAt:           s.CreatedAt,
		LastAccessedAt:      s.LastAccessedAt(),
		CookieCount:         cookies,
		LocalStorageCount:   local,
		SessionStorageCount: sessionStore,
		RequestCount:        requests,
		RecentRequests:      s.recentHistory(recentRequestWindow),
		Fingerprint:         s.Fingerprint,
	}
}

// Sweep removes every session whose idle time exceeds the timeout and
// returns how many were removed. The janitor calls it periodically so
// abandoned sessions do not pin memory until someone happens to read them.
func (st *Store) Sweep() int {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := st.now()
	removed := 0
	for id, s := range st.sessions {
		if now.Sub(s.LastAccessedAt()) > st.idleTimeout {
			delete(st.sessions, id)
			removed++
		}
	}
	return removed
}

// evictOldestLocked removes the session with the smallest lastAccessedAt.
// Caller must hold st.mu.
func (st *Store) evictOldestLocked() {
	var oldestID string
	var oldestAt time.Time
	first := true
	for id, s := range st.sessions {
		at := s.LastAccessedAt()
		if first || at.Before(oldestAt) {
			oldestID, oldestAt = id, at
			first = false
		}
	}
	if !first {
		delete(st.sessions, oldestID)
	}
}

// newIDLocked generates a fresh unique session id: 16 bytes from
// crypto/rand, hex-encoded. Caller must hold st.mu. Collisions are
// astronomically unlikely but the uniqueness invariant is checked anyway.
func (st *Store) newIDLocked() string {
	for {
		var b [16]byte
		// crypto/rand.Read cannot fail on supported platforms (Go 1.24+
		// crashes the program on entropy failure instead of returning).
		_, _ = rand.Read(b[:])
		id := hex.EncodeToString(b[:])
		if _, exists := st.sessions[id]; !exists {
			return id
		}
	}
}
