// rammerhead-proxy is an anti-fingerprint forwarding proxy: it relays HTTP
// and WebSocket traffic to arbitrary origins while replacing every
// identifying header with a coherent spoofed browser identity, and keeps
// per-session state (cookies, storage, fingerprint, request history) so a
// client can hold a stable disguise across requests.
//
// Startup sequence:
//  1. Load configuration from the environment (plus optional .env file).
//  2. Build the structured logger.
//  3. Load the upstream proxy rotation list (optional).
//  4. Initialise metrics, the session store with its janitor, the log
//     worker pool, the header engine, and the outbound client.
//  5. Assemble the forwarding pipeline and the HTTP server.
//  6. Block until SIGINT or SIGTERM, then drain and shut down cleanly.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shoutenbeepon-wq/rammerhead-proxy/client"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/config"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/emulation"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/fingerprint"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/logger"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/metrics"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/proxy"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/server"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/session"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/spoof"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/upstream"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/worker"
)

func main() {
	// ── Flags ──────────────────────────────────────────────────────────────
	listenFlag := flag.String("listen", "", "Listen address override (default LISTEN_ADDR or :8080)")
	proxiesFlag := flag.String("proxies", "", "Upstream proxy list file override (default PROXY_FILE)")
	flag.Parse()

	// ── Configuration ──────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if *listenFlag != "" {
		cfg.ListenAddr = *listenFlag
	}
	if *proxiesFlag != "" {
		cfg.ProxyFile = *proxiesFlag
	}

	// ── Logger ─────────────────────────────────────────────────────────────
	log, err := logger.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log.Info("rammerhead-proxy starting up")

	// ── Upstream proxies ───────────────────────────────────────────────────
	rotator := &upstream.Rotator{}
	if cfg.ProxyFile != "" {
		if err := rotator.LoadFile(cfg.ProxyFile); err != nil {
			log.Errorf("failed to load upstream proxies from %q: %v", cfg.ProxyFile, err)
			os.Exit(1)
		}
		log.Infof("loaded %d upstream proxies from %q", rotator.Count(), cfg.ProxyFile)
	} else {
		log.Info("no upstream proxy file configured; connecting directly")
	}

	// ── Metrics ────────────────────────────────────────────────────────────
	m := metrics.New(nil)

	// ── Outbound client ────────────────────────────────────────────────────
	clientCfg := client.Config{
		Timeout:             cfg.ConnectTimeout + cfg.ResponseTimeout,
		ConnectTimeout:      cfg.ConnectTimeout,
		ResponseTimeout:     cfg.ResponseTimeout,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		TLSParrot:           cfg.TLSParrot,
	}
	if rotator.Count() > 0 {
		clientCfg.ProxyFunc = rotator.ProxyFunc()
	}
	outbound, err := client.New(clientCfg)
	if err != nil {
		log.Errorf("outbound client: %v", err)
		os.Exit(1)
	}

	// ── Session store & janitor ────────────────────────────────────────────
	fingerprints := fingerprint.NewGenerator()
	store := session.NewStore(session.Options{
		Capacity:     cfg.MaxSessions,
		IdleTimeout:  cfg.SessionTimeout,
		HistoryLimit: cfg.HistoryLimit,
		Fingerprints: fingerprints,
	})
	janitor := session.NewJanitor(store, cfg.SweepInterval, log)
	janitor.Start()
	log.Infof("session store ready: capacity=%d timeout=%s", cfg.MaxSessions, cfg.SessionTimeout)

	// ── Log worker pool ────────────────────────────────────────────────────
	pool := worker.New(cfg.LogWorkers)
	pool.Start()
	log.Infof("log worker pool started with %d workers", cfg.LogWorkers)

	// ── Forwarding pipeline ────────────────────────────────────────────────
	pipeline := proxy.New(proxy.Options{
		Client:             outbound,
		Engine:             spoof.NewEngine(),
		Store:              store,
		Log:                log,
		Metrics:            m,
		LogPool:            pool,
		ScriptsFor:         emulation.ForFingerprint,
		SolveChallenges:    cfg.SolveChallenges,
		MinRequestInterval: cfg.MinRequestInterval,
		HostRatePerSecond:  cfg.HostRatePerSecond,
		HostRateBurst:      cfg.HostRateBurst,
	})

	// ── HTTP server ────────────────────────────────────────────────────────
	srv := server.New(server.Options{
		Log:           log,
		Store:         store,
		Pipeline:      pipeline,
		Metrics:       m,
		Fingerprints:  fingerprints,
		ForwardOrigin: cfg.ForwardOrigin,
		Environment:   cfg.Environment,
	})
	if cfg.ForwardOrigin != "" {
		log.Infof("mirror mode active: relaying unmatched paths to %s", cfg.ForwardOrigin)
	}
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Run(cfg.ListenAddr)
	}()

	// ── Session gauge monitor ──────────────────────────────────────────────
	// Keep the active-sessions gauge fresh between API mutations and print a
	// summary line every 30 seconds.
	monitorStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-monitorStop:
				return
			case <-ticker.C:
				count := store.Count()
				m.SetSessionsActive(count)
				total, success, failed := m.Snapshot()
				log.Infof("metrics – total: %d | success: %d | failed: %d | rps: %.1f | sessions: %d",
					total, success, failed, m.RequestsPerSecond(), count)
			}
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		fmt.Println() // newline after ^C
		log.Infof("received signal %s; shutting down", sig)
	case err := <-serverErr:
		log.Errorf("server error: %v", err)
	}

	close(monitorStop)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("server shutdown: %v", err)
	}

	// Drain the in-flight history appends, then stop the sweep loop.
	pool.Stop()
	janitor.Stop()

	total, success, failed := m.Snapshot()
	log.Infof("final metrics – total: %d | success: %d | failed: %d | rps: %.1f",
		total, success, failed, m.RequestsPerSecond())
	log.Info("rammerhead-proxy shut down cleanly")
}
