package client

import (
	"context"
	"runtime"
)

// updatePool is the client-side worker pool AsyncUpdate posts onto: a
// fixed number of goroutines draining a bounded job queue, sized from
// hardware concurrency the way the search walk's worker count is
// (internal/edb.walkWorkers). Job submission blocks when the queue is
// full — the backpressure mechanism spec.md §5 requires for bulk
// updates.
type updatePool struct {
	jobs chan func()
	done chan struct{}
}

func newUpdatePool(workers int) *updatePool {
	if workers < 1 {
		workers = 1
	}
	p := &updatePool{
		jobs: make(chan func(), workers*4),
		done: make(chan struct{}),
	}
	go p.run(workers)
	return p
}

func (p *updatePool) run(workers int) {
	sem := make(chan struct{}, workers)
	for job := range p.jobs {
		sem <- struct{}{}
		go func(job func()) {
			defer func() { <-sem }()
			job()
		}(job)
	}
	for i := 0; i < workers; i++ {
		sem <- struct{}{}
	}
	close(p.done)
}

func (p *updatePool) submit(job func()) {
	p.jobs <- job
}

func (p *updatePool) wait() {
	close(p.jobs)
	<-p.done
}

func (c *Client) ensurePool() *updatePool {
	c.poolOnce.Do(func() {
		c.pool = newUpdatePool(runtime.GOMAXPROCS(0))
	})
	return c.pool
}

// AsyncUpdate posts update-request generation plus the RPC call onto
// the client's worker pool and returns immediately with a channel that
// receives the eventual result. Ordering between updates to the same
// keyword is still guaranteed by the counter map's atomic increment
// (spec.md §4.7) regardless of which worker services the call.
func (c *Client) AsyncUpdate(ctx context.Context, kw string, id uint64) <-chan error {
	result := make(chan error, 1)
	c.ensurePool().submit(func() {
		result <- c.Update(ctx, kw, id)
	})
	return result
}

// WaitUpdates blocks until every update submitted via AsyncUpdate has
// been serviced. The pool is single-use: after WaitUpdates returns, a
// further AsyncUpdate call will panic.
func (c *Client) WaitUpdates() {
	if c.pool == nil {
		return
	}
	c.pool.wait()
}
