package config_test

import (
	"testing"
	"time"

	"github.com/shoutenbeepon-wq/rammerhead-proxy/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	if cfg == nil {
		t.Fatal("Default returned nil")
	}
	if cfg.MaxSessions <= 0 {
		t.Errorf("MaxSessions should be > 0, got %d", cfg.MaxSessions)
	}
	if cfg.SessionTimeout != 24*time.Hour {
		t.Errorf("SessionTimeout should default to 24h, got %v", cfg.SessionTimeout)
	}
	if cfg.HistoryLimit != 1000 {
		t.Errorf("HistoryLimit should default to 1000, got %d", cfg.HistoryLimit)
	}
	if cfg.ConnectTimeout != 30*time.Second || cfg.ResponseTimeout != 30*time.Second {
		t.Errorf("timeouts should default to 30s, got connect=%v response=%v",
			cfg.ConnectTimeout, cfg.ResponseTimeout)
	}
	if cfg.ListenAddr == "" {
		t.Error("ListenAddr should not be empty")
	}
}

func TestDefault_IndependentCopies(t *testing.T) {
	a := config.Default()
	b := config.Default()
	a.MaxSessions = 7
	if b.MaxSessions == 7 {
		t.Error("Default should return independent copies")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("MAX_SESSIONS", "25")
	t.Setenv("SESSION_TIMEOUT", "1h")
	t.Setenv("LISTEN_ADDR", ":9999")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MaxSessions != 25 {
		t.Errorf("got MaxSessions=%d, want 25", cfg.MaxSessions)
	}
	if cfg.SessionTimeout != time.Hour {
		t.Errorf("got SessionTimeout=%v, want 1h", cfg.SessionTimeout)
	}
	if cfg.ListenAddr != ":9999" {
		t.Errorf("got ListenAddr=%q, want :9999", cfg.ListenAddr)
	}
}

func TestLoad_MalformedDuration(t *testing.T) {
	t.Setenv("SESSION_TIMEOUT", "not-a-duration")
	if _, err := config.Load(); err == nil {
		t.Error("expected error for malformed duration, got nil")
	}
}

func TestLoad_RejectsZeroCapacity(t *testing.T) {
	t.Setenv("MAX_SESSIONS", "0")
	if _, err := config.Load(); err == nil {
		t.Error("expected error for MAX_SESSIONS=0, got nil")
	}
}

func TestLoad_RejectsNegativeInterval(t *testing.T) {
	t.Setenv("MIN_REQUEST_INTERVAL", "-5s")
	if _, err := config.Load(); err == nil {
		t.Error("expected error for negative MIN_REQUEST_INTERVAL, got nil")
	}
}

func TestLoad_RejectsRelativeForwardOrigin(t *testing.T) {
	t.Setenv("FORWARD_ORIGIN", "example.com/path")
	if _, err := config.Load(); err == nil {
		t.Error("expected error for schemeless FORWARD_ORIGIN, got nil")
	}
}

func TestLoad_AcceptsForwardOrigin(t *testing.T) {
	t.Setenv("FORWARD_ORIGIN", "https://example.com")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.ForwardOrigin != "https://example.com" {
		t.Errorf("got ForwardOrigin=%q", cfg.ForwardOrigin)
	}
}
