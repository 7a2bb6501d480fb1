// Package processing runs export jobs in-process: a fixed number of
// goroutines consume the memory queue and hand each job to the worker runner.
// It backs the single-process deployment where no Redis is available.
package processing

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/TaskExport/internal/queue"
	"github.com/dharsanguruparan/TaskExport/internal/ratelimit"
	"github.com/dharsanguruparan/TaskExport/internal/worker"
)

// DefaultWorkers is the pool size when none is configured.
const DefaultWorkers = 2

// Pool consumes jobs from a MemoryQueue.
type Pool struct {
	queue   *queue.MemoryQueue
	runner  *worker.Runner
	limiter ratelimit.Limiter
	workers int
	log     logrus.FieldLogger
	wg      sync.WaitGroup
}

// New builds a Pool of workers goroutines.
func New(q *queue.MemoryQueue, runner *worker.Runner, limiter ratelimit.Limiter, workers int, log logrus.FieldLogger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pool{
		queue:   q,
		runner:  runner,
		limiter: limiter,
		workers: workers,
		log:     log,
	}
}

// Start launches worker goroutines. They exit when ctx is cancelled or the
// queue is closed; a running job is allowed to finish.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.log.WithField("workers", p.workers).Info("export worker pool started")
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.WithField("worker", id)
	for {
		d, err := p.queue.Dequeue(ctx)
		if err != nil {
			log.WithError(err).Debug("worker stopping")
			return
		}
		p.process(ctx, d)
	}
}

func (p *Pool) process(ctx context.Context, d *queue.Delivery) {
	if err := p.limiter.Wait(ctx); err != nil {
		err = fmt.Errorf("wait for rate limiter: %w", err)
		p.runner.Abandon(ctx, d.Job, err)
		d.Done(err)
		return
	}
	d.Done(p.runner.Run(ctx, d.Job, d))
}
