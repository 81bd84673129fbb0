package worker

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Priya8975/billing-webhook-processor/internal/engine"
)

// JobHandler processes one notification job.
type JobHandler interface {
	Deliver(ctx context.Context, job engine.NotificationJob)
}

// Pool runs a fixed number of workers reading from a shared channel.
type Pool struct {
	numWorkers int
	jobs       chan engine.NotificationJob
	handler    JobHandler
	logger     zerolog.Logger
	wg         sync.WaitGroup
}

func NewPool(numWorkers int, handler JobHandler, logger zerolog.Logger) *Pool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &Pool{
		numWorkers: numWorkers,
		jobs:       make(chan engine.NotificationJob, numWorkers*2),
		handler:    handler,
		logger:     logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info().Int("num_workers", p.numWorkers).Msg("worker pool started")
}

// Submit hands a job to a worker, blocking while all are busy. It returns
// false if ctx ends first.
func (p *Pool) Submit(ctx context.Context, job engine.NotificationJob) bool {
	select {
	case p.jobs <- job:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stop closes the queue and waits for in-flight jobs. No Submit may follow.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
	p.logger.Info().Msg("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	// Jobs already claimed from the queue finish even during shutdown.
	ctx = context.WithoutCancel(ctx)
	for job := range p.jobs {
		p.handler.Deliver(ctx, job)
	}
}
