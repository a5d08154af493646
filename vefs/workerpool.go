package vefs

import (
	"sync"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/threadgroup"
)

// workerPool is a thin wrapper around threadgroup.ThreadGroup, the
// teacher's own mechanism (used throughout contractmanager and the renter)
// for bounding in-flight goroutines and giving them a clean shutdown path.
// Each SectorTree (component C6) holds one; no tree operation submits work
// to it.
type workerPool struct {
	tg threadgroup.ThreadGroup
	wg sync.WaitGroup
}

// newWorkerPool returns a pool ready to accept Go calls.
func newWorkerPool() *workerPool {
	return &workerPool{}
}

// Go runs fn in a new goroutine tracked by the pool, mirroring
// threadgroup's own Go helper but additionally reporting fn's error back
// through errs, the pattern contractmanager's async contract formation uses
// to fan out work and collect failures.
func (p *workerPool) Go(fn func() error, errs chan<- error) {
	if err := p.tg.Add(); err != nil {
		errs <- errors.AddContext(err, "worker pool is shutting down")
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.tg.Done()
		defer p.wg.Done()
		errs <- fn()
	}()
}

// Wait blocks until every goroutine started via Go has returned.
func (p *workerPool) Wait() {
	p.wg.Wait()
}

// Stop signals a graceful shutdown and waits for all outstanding work to
// finish, after which Go always fails with threadgroup's stopped error.
func (p *workerPool) Stop() error {
	return p.tg.Stop()
}
