package extraction

import (
	"context"
	"errors"
	"sync"
)

type job func(ctx context.Context)

// workerPool runs extraction jobs on a fixed number of goroutines with a
// bounded queue.
type workerPool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	wg     sync.WaitGroup
}

func newWorkerPool(parent context.Context, concurrency, queueSize int) (*workerPool, error) {
	if concurrency <= 0 || queueSize <= 0 {
		return nil, errors.New("worker pool requires positive concurrency and queue size")
	}
	ctx, cancel := context.WithCancel(parent)
	pool := &workerPool{
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan job, queueSize),
	}
	for i := 0; i < concurrency; i++ {
		pool.wg.Add(1)
		go pool.work()
	}
	return pool, nil
}

func (p *workerPool) work() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case fn, ok := <-p.jobs:
			if !ok {
				return
			}
			fn(p.ctx)
		}
	}
}

// submit queues fn, blocking while the queue is full.
func (p *workerPool) submit(ctx context.Context, fn job) error {
	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	case p.jobs <- fn:
		return nil
	}
}

// wait lets queued jobs finish, then stops the workers.
func (p *workerPool) wait() {
	close(p.jobs)
	p.wg.Wait()
	p.cancel()
}
