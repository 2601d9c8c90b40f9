package proxy

import (
	"context"
	"fmt"
	"sync"
)

// keyedEntry pairs a sync.Mutex with a reference count so entries can be
// pruned from the map when no goroutine holds or is waiting on the lock.
type keyedEntry struct {
	mu      sync.Mutex
	waiters int
}

// keyLock serialises work per string key. The pipeline keys it by session id
// so two concurrent requests on one session never solve the same challenge
// twice or race their cookie writes, while requests on different sessions
// proceed independently.
//
// A top-level mutex guards the map; each key gets its own entry, and the
// waiter count lets an entry be removed once nobody needs it, keeping memory
// bounded across transient keys.
type keyLock struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[string]*keyedEntry)}
}

// getOrCreate returns the entry for key, creating it if necessary, and
// increments its waiter count. Must be called with kl.mu held.
func (kl *keyLock) getOrCreate(key string) *keyedEntry {
	e, ok := kl.locks[key]
	if !ok {
		e = &keyedEntry{}
		kl.locks[key] = e
	}
	e.waiters++
	return e
}

// lock acquires the per-key mutex, blocking until available or ctx is done.
func (kl *keyLock) lock(ctx context.Context, key string) error {
	kl.mu.Lock()
	e := kl.getOrCreate(key)
	kl.mu.Unlock()

	// Acquire in a goroutine so the wait can respect ctx.
	acquired := make(chan struct{}, 1)
	go func() {
		e.mu.Lock()
		acquired <- struct{}{}
	}()

	select {
	case <-acquired:
		return nil
	case <-ctx.Done():
		// We lost the race: the goroutine may still be blocked on e.mu.Lock.
		// Drop our waiter count but do NOT unlock; the goroutine releases the
		// mutex itself once it gets it.
		kl.mu.Lock()
		e.waiters--
		if e.waiters == 0 {
			delete(kl.locks, key)
		}
		kl.mu.Unlock()

		select {
		case <-acquired:
			e.mu.Unlock()
		default:
			go func() {
				<-acquired
				e.mu.Unlock()
			}()
		}
		return fmt.Errorf("proxy: lock %q: %w", key, ctx.Err())
	}
}

// unlock releases the per-key mutex. If no goroutine is waiting on the key
// its map entry is removed to bound memory usage.
func (kl *keyLock) unlock(key string) {
	kl.mu.Lock()
	e, ok := kl.locks[key]
	if !ok {
		kl.mu.Unlock()
		return
	}
	e.waiters--
	if e.waiters == 0 {
		delete(kl.locks, key)
	}
	kl.mu.Unlock()
	e.mu.Unlock()
}

// size reports how many keys currently have holders or waiters.
func (kl *keyLock) size() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.locks)
}
