// Package server exposes the proxy over HTTP: the session management API,
// the /proxy forwarding endpoint (plain and WebSocket), the emulation
// script catalog, and the operational surface (health, stats, Prometheus
// metrics, live stats stream).
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shoutenbeepon-wq/rammerhead-proxy/fingerprint"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/logger"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/metrics"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/proxy"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/session"
)

// Options wires a Server's collaborators.
type Options struct {
	// Log receives access traces and handler errors. nil means silent.
	Log *logger.Logger

	// Store backs the /api/sessions endpoints. Required.
	Store *session.Store

	// Pipeline handles everything under /proxy. Required.
	Pipeline *proxy.Pipeline

	// Metrics feeds /api/stats and the session gauges. nil disables both.
	Metrics *metrics.Metrics

	// Gatherer serves /metrics. nil falls back to the default Prometheus
	// gatherer, matching a Metrics built with New(nil).
	Gatherer prometheus.Gatherer

	// Fingerprints renders sensor telemetry for session fingerprints. nil
	// disables the telemetry endpoint.
	Fingerprints *fingerprint.Generator

	// ForwardOrigin, when non-empty, relays every unmatched path to this
	// origin with the inbound path and query substituted verbatim. Empty
	// turns unmatched paths into plain 404s.
	ForwardOrigin string

	// Environment switches gin into release mode for anything other than
	// "development".
	Environment string
}

// Server is the HTTP front of the proxy.
//
// Design decisions:
//
//  1. CORS middleware is applied to the /api group only. /proxy manages its
//     own CORS headers inside the pipeline, and the middleware's habit of
//     answering OPTIONS with 204 would break the documented 200 preflight.
//  2. The pipeline owns the ResponseWriter for /proxy exchanges; handlers
//     only parse the request envelope and hand over.
//  3. Session mutations refresh the active-sessions gauge inline, so the
//     gauge never drifts from the store between janitor sweeps.
type Server struct {
	router        *gin.Engine
	log           *logger.Logger
	store         *session.Store
	pipeline      *proxy.Pipeline
	metrics       *metrics.Metrics
	fingerprints  *fingerprint.Generator
	forwardOrigin string
	started       time.Time

	http *http.Server
}

// New assembles the router and returns a Server ready to Run.
func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = logger.NewNop()
	}
	if opts.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		log:           log,
		store:         opts.Store,
		pipeline:      opts.Pipeline,
		metrics:       opts.Metrics,
		fingerprints:  opts.Fingerprints,
		forwardOrigin: opts.ForwardOrigin,
		started:       time.Now(),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.accessLog())

	router.Any("/proxy", s.handleProxy)
	router.GET("/health", s.handleHealth)

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	api.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization", "X-Requested-With"},
		MaxAge:       12 * time.Hour,
	}))
	api.POST("/sessions", s.handleCreateSession)
	api.GET("/sessions", s.handleListSessions)
	api.GET("/sessions/:id", s.handleGetSession)
	api.GET("/sessions/:id/telemetry", s.handleSessionTelemetry)
	api.DELETE("/sessions/:id", s.handleDeleteSession)
	api.GET("/emulation/scripts", s.handleEmulationScripts)
	api.GET("/stats", s.handleStats)
	api.GET("/stats/stream", s.handleStatsStream)

	router.NoRoute(s.handleMirror)

	s.router = router
	return s
}

// Handler exposes the underlying router, mainly for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run starts listening on addr and blocks until the listener fails or
// Shutdown is called.
func (s *Server) Run(addr string) error {
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
		// Write timeouts stay disabled: proxied downloads and the stats
		// stream are long-lived by design.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.log.Infof("listening on %s", addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// accessLog traces each request at debug level once the response is
// written.
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debugf("%s %s -> %d (%s)",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
