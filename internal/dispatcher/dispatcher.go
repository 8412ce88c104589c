// Package dispatcher runs queued ingestion jobs on a bounded worker pool.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/hyperjump/nuggetize/internal/models"
	"github.com/hyperjump/nuggetize/internal/queue"
	"github.com/hyperjump/nuggetize/pkg/utils"
)

// JobProcessor processes one job by ID.
type JobProcessor interface {
	ProcessJob(ctx context.Context, jobID string) error
}

// Dispatcher pulls job references from a queue and processes up to a fixed
// number of them concurrently.
type Dispatcher struct {
	queue     queue.Queue
	processor JobProcessor
	pool      *ants.Pool
	logger    *zap.Logger

	jobs     sync.WaitGroup
	loopDone chan struct{}
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a dispatcher running at most concurrency jobs at once.
func New(q queue.Queue, processor JobProcessor, concurrency int, opts ...Option) (*Dispatcher, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	pool, err := ants.NewPool(concurrency)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	d := &Dispatcher{
		queue:     q,
		processor: processor,
		pool:      pool,
		loopDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = utils.OrNop(d.logger)
	return d, nil
}

// Start begins consuming the queue. It returns immediately.
// Jobs already running when ctx is cancelled are allowed to finish.
func (d *Dispatcher) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	jobCtx := context.WithoutCancel(ctx)

	go func() {
		defer close(d.loopDone)
		for {
			select {
			case <-loopCtx.Done():
				return
			case ref, ok := <-d.queue.Jobs():
				if !ok {
					return
				}
				d.submit(jobCtx, ref)
			}
		}
	}()
}

func (d *Dispatcher) submit(ctx context.Context, ref models.JobRef) {
	log := d.logger.With(zap.String("job_id", ref.JobID))
	d.jobs.Add(1)
	// Submit blocks while every worker is busy.
	err := d.pool.Submit(func() {
		defer d.jobs.Done()
		if err := d.processor.ProcessJob(ctx, ref.JobID); err != nil {
			log.Error("job failed", zap.Error(err))
			return
		}
		log.Debug("job finished")
	})
	if err != nil {
		d.jobs.Done()
		log.Error("failed to submit job", zap.Error(err))
	}
}

// Running returns the number of jobs currently executing.
func (d *Dispatcher) Running() int {
	return d.pool.Running()
}

// Wait blocks until the queue is closed and drained and every job has finished.
func (d *Dispatcher) Wait() {
	<-d.loopDone
	d.jobs.Wait()
}

// Stop stops consuming, waits for running jobs and releases the pool.
// References still buffered in the queue are left for the next start.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
			<-d.loopDone
		}
		d.jobs.Wait()
		d.pool.Release()
	})
}
