// Package worker provides a background job processing system using goroutines.
//
// Go Pattern: Goroutines and channels are Go's concurrency primitives.
// A goroutine is like a lightweight thread (thousands are fine), and
// channels are typed pipes for communication between goroutines.
//
// This worker pool pattern is very common in Go:
// 1. A Queue holds jobs (a buffered channel in memory, or Redis lists)
// 2. Spawn N worker goroutines that read from the queue
// 3. Submit jobs from HTTP handlers and services
// 4. Workers dispatch each job to the handler registered for its type
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/logger"
)

// DefaultMaxAttempts is how many times a failing job runs in total.
const DefaultMaxAttempts = 3

// Handler processes one job. A returned error requeues the job until it
// has run MaxAttempts times.
type Handler func(ctx context.Context, job Job) error

var errNoHandler = errors.New("no handler for job type")

// Submitter is what producers need from the pool.
type Submitter interface {
	Submit(ctx context.Context, job Job) error
}

// Pool manages a pool of worker goroutines.
type Pool struct {
	queue       Queue
	workers     int
	maxAttempts int
	log         *logger.Logger

	mu       sync.RWMutex
	handlers map[JobType]Handler

	// Go Pattern: sync.WaitGroup tracks running goroutines.
	// We call wg.Add(1) when starting a worker, wg.Done() when it finishes,
	// and wg.Wait() blocks until all workers are done (used for graceful shutdown).
	wg sync.WaitGroup

	// loopCtx stops workers from taking new jobs; jobCtx is handed to
	// handlers and is only cancelled when a graceful stop times out.
	loopCtx    context.Context
	stopLoop   context.CancelFunc
	jobCtx     context.Context
	cancelJobs context.CancelFunc
}

var _ Submitter = (*Pool)(nil)

// NewPool creates a new worker pool over queue.
func NewPool(queue Queue, workers, maxAttempts int, log *logger.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	loopCtx, stopLoop := context.WithCancel(context.Background())
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	return &Pool{
		queue:       queue,
		workers:     workers,
		maxAttempts: maxAttempts,
		log:         log.With("component", "worker"),
		handlers:    make(map[JobType]Handler),
		loopCtx:     loopCtx,
		stopLoop:    stopLoop,
		jobCtx:      jobCtx,
		cancelJobs:  cancelJobs,
	}
}

// Register sets the handler for a job type.
func (p *Pool) Register(t JobType, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[t] = h
}

// Start launches the worker goroutines, first requeueing jobs orphaned by
// a previous process when the queue supports it.
func (p *Pool) Start(ctx context.Context) error {
	if r, ok := p.queue.(Recoverer); ok {
		n, err := r.Recover(ctx)
		if err != nil {
			return fmt.Errorf("recover queue: %w", err)
		}
		if n > 0 {
			p.log.Warn("Requeued orphaned jobs", "count", n)
		}
	}

	p.log.Info("Starting background workers", "workers", p.workers)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return nil
}

// Stop stops taking jobs and waits for running ones. If ctx expires first,
// running handlers are cancelled and Stop returns ctx's error.
func (p *Pool) Stop(ctx context.Context) error {
	p.log.Info("Stopping workers")
	p.stopLoop()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancelJobs()
		p.log.Info("All workers stopped")
		return nil
	case <-ctx.Done():
		p.cancelJobs()
		<-done
		return ctx.Err()
	}
}

// Submit adds a job to the queue, assigning an ID when missing.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if err := p.queue.Enqueue(ctx, job); err != nil {
		return err
	}
	p.log.Info("Job queued", "job_id", job.ID, "type", job.Type, "material_id", job.MaterialID)
	return nil
}

// QueueSize returns the current number of waiting jobs.
func (p *Pool) QueueSize(ctx context.Context) int {
	n, err := p.queue.Len(ctx)
	if err != nil {
		p.log.Warn("Failed to read queue length", "error", err)
		return -1
	}
	return n
}

// WorkerCount returns the number of workers.
func (p *Pool) WorkerCount() int {
	return p.workers
}

// worker is the main loop for each worker goroutine.
func (p *Pool) worker(id int) {
	defer p.wg.Done()
	log := p.log.With("worker", id)

	for {
		job, err := p.queue.Dequeue(p.loopCtx)
		if err != nil {
			if p.loopCtx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				log.Debug("Worker stopped")
				return
			}
			log.Error("Dequeue failed", "error", err)
			// Avoid spinning on a broken connection.
			select {
			case <-p.loopCtx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.process(log, job)
	}
}

func (p *Pool) process(log *logger.Logger, job Job) {
	log = log.With("job_id", job.ID, "type", job.Type, "material_id", job.MaterialID)
	start := time.Now()

	err := p.run(job)
	switch {
	case err == nil:
		log.Info("Job completed", "duration", time.Since(start).String())
	case job.Attempts+1 < p.maxAttempts && p.jobCtx.Err() == nil && !errors.Is(err, errNoHandler):
		log.Warn("Job failed, requeueing", "attempt", job.Attempts+1, "error", err)
		retry := job
		retry.Attempts++
		if qerr := p.queue.Enqueue(p.jobCtx, retry); qerr != nil {
			log.Error("Failed to requeue job", "error", qerr)
		}
	default:
		log.Error("Job failed permanently", "attempts", job.Attempts+1, "error", err)
	}

	if err := p.queue.Ack(p.jobCtx, job); err != nil {
		log.Error("Failed to acknowledge job", "error", err)
	}
}

// run calls the job's handler, turning a panic into an error.
func (p *Pool) run(job Job) (err error) {
	p.mu.RLock()
	h, ok := p.handlers[job.Type]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w %q", errNoHandler, job.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Job handler panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(p.jobCtx, job)
}
