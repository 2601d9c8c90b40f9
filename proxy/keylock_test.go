package proxy

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyLock_MutualExclusion(t *testing.T) {
	kl := newKeyLock()
	const goroutines = 20
	var counter int
	var wg sync.WaitGroup

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := kl.lock(context.Background(), "session-a"); err != nil {
				t.Errorf("lock error: %v", err)
				return
			}
			counter++
			kl.unlock("session-a")
		}()
	}
	wg.Wait()

	if counter != goroutines {
		t.Errorf("counter = %d, want %d (race detected)", counter, goroutines)
	}
	if kl.size() != 0 {
		t.Errorf("entries remain after all unlocks: %d", kl.size())
	}
}

func TestKeyLock_BlocksUntilUnlock(t *testing.T) {
	kl := newKeyLock()
	if err := kl.lock(context.Background(), "page"); err != nil {
		t.Fatalf("initial lock: %v", err)
	}

	var reached atomic.Bool
	go func() {
		_ = kl.lock(context.Background(), "page")
		reached.Store(true)
		kl.unlock("page")
	}()

	time.Sleep(50 * time.Millisecond)
	if reached.Load() {
		t.Error("second lock should be blocked while first is held")
	}
	kl.unlock("page")
	time.Sleep(50 * time.Millisecond)
	if !reached.Load() {
		t.Error("second lock should have proceeded after unlock")
	}
}

func TestKeyLock_IndependentKeys(t *testing.T) {
	kl := newKeyLock()
	if err := kl.lock(context.Background(), "one"); err != nil {
		t.Fatalf("lock one: %v", err)
	}
	defer kl.unlock("one")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := kl.lock(ctx, "two"); err != nil {
		t.Fatalf("holding %q must not block %q: %v", "one", "two", err)
	}
	kl.unlock("two")
}

func TestKeyLock_ContextCancellation(t *testing.T) {
	kl := newKeyLock()
	if err := kl.lock(context.Background(), "resource"); err != nil {
		t.Fatalf("initial lock: %v", err)
	}
	defer kl.unlock("resource")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := kl.lock(ctx, "resource"); err == nil {
		t.Error("expected error when context times out")
	}
}

func TestKeyLock_UnlockUnknownKeyIsNoop(t *testing.T) {
	kl := newKeyLock()
	// Must not panic.
	kl.unlock("nonexistent")
}
