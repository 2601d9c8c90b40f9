// Package metrics tracks forwarder statistics two ways at once: lock-free
// atomic counters for hot-path reads, and Prometheus collectors for the
// /metrics endpoint.
package metrics

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates request statistics for the proxy.
//
// The raw counters are touched only through atomic operations, so recording
// from every in-flight request at once needs no mutex and a *Metrics can be
// handed around without extra synchronisation.
//
// A relayed response counts as a success whatever status the origin chose;
// failed counts transport-level errors, the requests the proxy answered with
// 502.
type Metrics struct {
	totalRequests uint64
	success       uint64
	failed        uint64

	// startTime anchors RequestsPerSecond.
	startTime time.Time

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	upstreamErrors   *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
	sessionsCreated  prometheus.Counter
	wsConnections    prometheus.Gauge
	htmlInjections   prometheus.Counter
	challengesSolved prometheus.Counter
}

// New creates a Metrics instance and registers its collectors with reg.
// Passing nil registers with the default Prometheus registry, which is what
// main does; tests pass their own prometheus.NewRegistry so repeated New
// calls do not collide.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		startTime: time.Now(),

		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_requests_total",
				Help: "Total number of forwarded requests",
			},
			// The target path would explode cardinality, so labels stop at
			// method and status.
			[]string{"method", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_request_duration_seconds",
				Help:    "Forwarded request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method"},
		),
		upstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_upstream_errors_total",
				Help: "Total number of upstream fetch failures",
			},
			[]string{"reason"},
		),
		sessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "proxy_sessions_active",
				Help: "Number of live sessions in the store",
			},
		),
		sessionsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "proxy_sessions_created_total",
				Help: "Total number of sessions created",
			},
		),
		wsConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "proxy_ws_connections",
				Help: "Number of open WebSocket relays",
			},
		),
		htmlInjections: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "proxy_html_injections_total",
				Help: "Total number of HTML responses that had scripts injected",
			},
		),
		challengesSolved: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "proxy_challenges_solved_total",
				Help: "Total number of JavaScript cookie interstitials solved",
			},
		),
	}
}

// RecordRequest counts a relayed request with the status the origin returned.
func (m *Metrics) RecordRequest(method string, status int, duration time.Duration) {
	atomic.AddUint64(&m.totalRequests, 1)
	atomic.AddUint64(&m.success, 1)
	m.requestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordFailure counts a request the proxy could not relay. reason feeds the
// upstream-errors label ("connect", "timeout").
func (m *Metrics) RecordFailure(method, reason string, duration time.Duration) {
	atomic.AddUint64(&m.totalRequests, 1)
	atomic.AddUint64(&m.failed, 1)
	m.requestsTotal.WithLabelValues(method, "502").Inc()
	m.requestDuration.WithLabelValues(method).Observe(duration.Seconds())
	m.upstreamErrors.WithLabelValues(reason).Inc()
}

// SetSessionsActive publishes the current session count.
func (m *Metrics) SetSessionsActive(n int) {
	m.sessionsActive.Set(float64(n))
}

// IncSessionsCreated increments the created-sessions counter.
func (m *Metrics) IncSessionsCreated() {
	m.sessionsCreated.Inc()
}

// IncWSConnections increments the open WebSocket relay gauge.
func (m *Metrics) IncWSConnections() {
	m.wsConnections.Inc()
}

// DecWSConnections decrements the open WebSocket relay gauge.
func (m *Metrics) DecWSConnections() {
	m.wsConnections.Dec()
}

// IncHTMLInjections increments the injected-responses counter.
func (m *Metrics) IncHTMLInjections() {
	m.htmlInjections.Inc()
}

// IncChallengesSolved increments the solved-interstitials counter.
func (m *Metrics) IncChallengesSolved() {
	m.challengesSolved.Inc()
}

// RequestsPerSecond averages the request rate over the process lifetime. A
// call in the same wall-clock instant as construction reports 0 rather than
// dividing by zero.
func (m *Metrics) RequestsPerSecond() float64 {
	elapsed := time.Since(m.startTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(atomic.LoadUint64(&m.totalRequests)) / elapsed
}

// Snapshot reads the three counters without taking a common lock, so the
// triple can be off by an in-flight increment. The stats endpoints tolerate
// that.
func (m *Metrics) Snapshot() (total, success, failed uint64) {
	return atomic.LoadUint64(&m.totalRequests),
		atomic.LoadUint64(&m.success),
		atomic.LoadUint64(&m.failed)
}
