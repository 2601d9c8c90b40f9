package worker_test

import (
	"sync/atomic"
	"testing"

	"github.com/shoutenbeepon-wq/rammerhead-proxy/worker"
)

func TestPool_ExecutesAllJobs(t *testing.T) {
	const jobs = 500
	p := worker.New(10)
	p.Start()

	var counter int64
	for i := 0; i < jobs; i++ {
		p.Submit(func() {
			atomic.AddInt64(&counter, 1)
		})
	}
	p.Stop()

	if counter != jobs {
		t.Errorf("expected %d jobs executed, got %d", jobs, counter)
	}
}

func TestPool_ZeroWorkersFallsBackToOne(t *testing.T) {
	p := worker.New(0)
	p.Start()
	var ran int64
	p.Submit(func() { atomic.AddInt64(&ran, 1) })
	p.Stop()
	if ran != 1 {
		t.Errorf("expected job to run, ran=%d", ran)
	}
}

func TestPool_TrySubmitDropsWhenSaturated(t *testing.T) {
	p := worker.New(1)
	// Not started: nothing drains the queue, so the buffer (capacity 4)
	// fills and the next TrySubmit must refuse.
	for i := 0; i < 4; i++ {
		if !p.TrySubmit(func() {}) {
			t.Fatalf("submit %d should fit in the buffer", i)
		}
	}
	if p.TrySubmit(func() {}) {
		t.Error("TrySubmit should report false once the buffer is full")
	}

	p.Start()
	p.Stop()
}

func TestPool_TrySubmitRunsJobs(t *testing.T) {
	p := worker.New(2)
	p.Start()

	var ran int64
	for i := 0; i < 8; i++ {
		for !p.TrySubmit(func() { atomic.AddInt64(&ran, 1) }) {
		}
	}
	p.Stop()

	if ran != 8 {
		t.Errorf("expected 8 jobs executed, got %d", ran)
	}
}
