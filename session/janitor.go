package session

import (
	"sync"
	"time"

	"github.com/shoutenbeepon-wq/rammerhead-proxy/logger"
)

// Janitor periodically sweeps stale sessions out of a Store.
//
// The per-read staleness check in Store.Get only fires when someone asks
// for a session; a session that is simply abandoned would otherwise sit in
// memory until eviction pressure removed it. The janitor closes that gap
// with a background loop.
//
// A stop channel allows clean shutdown; Stop is idempotent via sync.Once.
type Janitor struct {
	store    *Store
	interval time.Duration
	log      *logger.Logger
	stopCh   chan struct{}
	once     sync.Once
}

// NewJanitor creates a Janitor that sweeps store every interval. log may be
// nil to disable sweep logging.
func NewJanitor(store *Store, interval time.Duration, log *logger.Logger) *Janitor {
	if log == nil {
		log = logger.NewNop()
	}
	return &Janitor{
		store:    store,
		interval: interval,
		log:      log,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop in a background goroutine. It returns
// immediately. Calling Start with a non-positive interval is a no-op so a
// zero SweepInterval config cleanly disables the janitor.
func (j *Janitor) Start() {
	if j.interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-j.stopCh:
				return
			case <-ticker.C:
				if removed := j.store.Sweep(); removed > 0 {
					j.log.Infof("janitor removed %d stale session(s)", removed)
				}
			}
		}
	}()
}

// Stop terminates the sweep loop. Safe to call multiple times and safe to
// call even if Start was never called.
func (j *Janitor) Stop() {
	j.once.Do(func() {
		close(j.stopCh)
	})
}
