package proxy

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// hostLimiter throttles outbound requests per target host with token
// buckets shared across every in-flight request. The header engine's own
// delay is per-engine state and only self-throttles; this limiter is the
// cross-request gate, enabled by configuration.
type hostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// newHostLimiter returns a limiter allowing perSecond requests per host with
// the given burst, or nil when perSecond is zero or negative (disabled).
func newHostLimiter(perSecond float64, burst int) *hostLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &hostLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

// wait blocks until the host's bucket grants a token or ctx is cancelled.
// The limiter map grows with the number of distinct hosts seen; entries are
// two words each, so even a long-running proxy stays small.
func (h *hostLimiter) wait(ctx context.Context, host string) error {
	h.mu.Lock()
	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(h.limit, h.burst)
		h.limiters[host] = l
	}
	h.mu.Unlock()

	return l.Wait(ctx)
}
