package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// statsSnapshot is the JSON payload served by /api/stats and pushed to
// /api/stats/stream subscribers.
type statsSnapshot struct {
	Timestamp      int64   `json:"timestamp"`
	TotalRequests  uint64  `json:"totalRequests"`
	Success        uint64  `json:"success"`
	Failed         uint64  `json:"failed"`
	RPS            float64 `json:"rps"`
	ActiveSessions int     `json:"activeSessions"`
}

// statsStreamInterval is the push cadence for the live stats stream.
const statsStreamInterval = time.Second

func (s *Server) snapshot() statsSnapshot {
	snap := statsSnapshot{
		Timestamp:      time.Now().UnixMilli(),
		ActiveSessions: s.store.Count(),
	}
	if s.metrics != nil {
		snap.TotalRequests, snap.Success, snap.Failed = s.metrics.Snapshot()
		snap.RPS = s.metrics.RequestsPerSecond()
	}
	return snap
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.snapshot())
}

// handleStatsStream pushes a stats snapshot once per second as a
// server-sent event until the client disconnects. Browsers consume it with
// a plain EventSource, no extra libraries.
func (s *Server) handleStatsStream(c *gin.Context) {
	c.Writer.Header().Set("Cache-Control", "no-cache")

	ticker := time.NewTicker(statsStreamInterval)
	defer ticker.Stop()

	c.SSEvent("stats", s.snapshot())
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-ticker.C:
			c.SSEvent("stats", s.snapshot())
			return true
		}
	})
}
