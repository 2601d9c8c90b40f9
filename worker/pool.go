// Package worker runs background jobs on a fixed set of goroutines so the
// request path never pays for goroutine-per-job churn.
package worker

import (
	"sync"
)

// Pool is a fixed set of goroutines draining one shared queue. The forwarder
// uses it to take request-log appends off the response path.
//
// The queue is a buffered channel sized at workers*4: enough slack that a
// worker finishing a job finds the next one already waiting, small enough
// that producers feel back-pressure quickly. Submit blocks on a full buffer;
// TrySubmit drops instead, for callers that must not stall.
type Pool struct {
	workers int
	jobs    chan func()
	wg      sync.WaitGroup
}

// New sizes a Pool for the given worker count. Counts below one are bumped
// to one so a misconfigured pool still drains.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		workers: workers,
		jobs:    make(chan func(), workers*4),
	}
}

// Start launches the worker goroutines. Call it once, before the first
// submit.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			// Runs until Stop closes the channel.
			for job := range p.jobs {
				job()
			}
		}()
	}
}

// Submit enqueues job for execution by one of the pool's goroutines. It
// blocks if the internal buffer is full, applying back-pressure to the
// caller. Submit must not be called after Stop.
func (p *Pool) Submit(job func()) {
	p.jobs <- job
}

// TrySubmit enqueues job if the buffer has room and reports whether it did.
// The response path uses this so a saturated pool drops a log append rather
// than delaying the reply.
func (p *Pool) TrySubmit(job func()) bool {
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Stop lets the queued jobs finish, then waits for every worker goroutine
// to exit. Submitting after Stop panics on the closed channel.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
}
