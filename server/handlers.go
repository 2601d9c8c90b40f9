package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/shoutenbeepon-wq/rammerhead-proxy/emulation"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/fingerprint"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/proxy"
)

// proxyEnvelope is the JSON control body accepted by POST /proxy. The
// upstream fetch it describes is issued as a GET: the envelope itself is
// the request, not a payload to relay.
type proxyEnvelope struct {
	URL           string            `json:"url"`
	UserAgent     string            `json:"userAgent"`
	Headers       map[string]string `json:"headers"`
	SessionID     string            `json:"sessionId"`
	InjectScripts bool              `json:"injectScripts"`
}

// createSessionBody is the optional JSON body for POST /api/sessions.
type createSessionBody struct {
	Fingerprint *fingerprint.Overrides `json:"fingerprint"`
}

// handleProxy parses the inbound shape (WebSocket upgrade, JSON envelope,
// or query form) and hands the exchange to the pipeline, which writes the
// full response itself.
func (s *Server) handleProxy(c *gin.Context) {
	r := c.Request

	if websocket.IsWebSocketUpgrade(r) {
		s.pipeline.ForwardWebSocket(c.Writer, r, s.requestFromQuery(c))
		return
	}

	var preq *proxy.Request
	if r.Method == http.MethodPost {
		var env proxyEnvelope
		if err := c.ShouldBindJSON(&env); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid JSON body",
				"details": err.Error(),
			})
			return
		}
		preq = &proxy.Request{
			Target:        env.URL,
			Method:        http.MethodGet,
			Header:        r.Header,
			Overrides:     env.Headers,
			UserAgent:     env.UserAgent,
			SessionID:     env.SessionID,
			InjectScripts: env.InjectScripts,
		}
	} else {
		preq = s.requestFromQuery(c)
		preq.Method = r.Method
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
		default:
			// PUT/PATCH/DELETE relay the caller's body verbatim.
			preq.Body = r.Body
		}
	}

	s.pipeline.Forward(r.Context(), c.Writer, preq)
}

// handleMirror relays unmatched paths to the configured forward origin,
// substituting the inbound path and query onto it verbatim. Mirrored
// traffic is anonymous: session binding and script injection stay on the
// /proxy surface.
func (s *Server) handleMirror(c *gin.Context) {
	if s.forwardOrigin == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	r := c.Request
	target, err := proxy.OutboundURL(s.forwardOrigin, r.URL.Path, r.URL.RawQuery)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "forward origin unusable",
			"details": err.Error(),
		})
		return
	}

	preq := &proxy.Request{
		Target: target,
		Method: r.Method,
		Header: r.Header,
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
	default:
		preq.Body = r.Body
	}
	s.pipeline.Forward(r.Context(), c.Writer, preq)
}

// requestFromQuery builds a pipeline request from the GET-style query
// parameters shared by plain and WebSocket calls.
func (s *Server) requestFromQuery(c *gin.Context) *proxy.Request {
	inject, _ := strconv.ParseBool(c.Query("injectScripts"))
	return &proxy.Request{
		Target:        c.Query("url"),
		Method:        http.MethodGet,
		Header:        c.Request.Header,
		UserAgent:     c.Query("userAgent"),
		SessionID:     c.Query("sessionId"),
		InjectScripts: inject,
	}
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var body createSessionBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid JSON body",
				"details": err.Error(),
			})
			return
		}
	}

	sess := s.store.Create(body.Fingerprint)
	if s.metrics != nil {
		s.metrics.IncSessionsCreated()
		s.metrics.SetSessionsActive(s.store.Count())
	}
	s.log.Infof("session created: %s", sess.ID)

	c.JSON(http.StatusOK, gin.H{
		"sessionId":          sess.ID,
		"browserFingerprint": sess.Fingerprint,
		"createdAt":          sess.CreatedAt,
	})
}

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.Stats())
}

func (s *Server) handleGetSession(c *gin.Context) {
	details := s.store.Details(c.Param("id"))
	if details == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, details)
}

// handleSessionTelemetry renders the sensor-visible view of a session's
// fingerprint, sequenced by its request count. Clients send it to origins
// that collect behavioural telemetry so the submitted signals agree with the
// headers the proxy presents.
func (s *Server) handleSessionTelemetry(c *gin.Context) {
	if s.fingerprints == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "telemetry not enabled"})
		return
	}
	details := s.store.Details(c.Param("id"))
	if details == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, s.fingerprints.Telemetry(details.Fingerprint, details.RequestCount))
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if !s.store.Delete(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if s.metrics != nil {
		s.metrics.SetSessionsActive(s.store.Count())
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleEmulationScripts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"scripts": emulation.Scripts()})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}
