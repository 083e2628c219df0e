package worker

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrQueueFull   = errors.New("job queue is full; try again later")
	ErrQueueClosed = errors.New("job queue is closed")
)

// Queue carries jobs from producers to the pool. Dequeue blocks until a
// job arrives or ctx is done; Ack removes a finished job for queues that
// keep in-flight entries.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context) (Job, error)
	Ack(ctx context.Context, job Job) error
	Len(ctx context.Context) (int, error)
	Close() error
}

// Recoverer is implemented by queues that can requeue jobs orphaned by a
// crashed process.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// MemoryQueue is a buffered channel. Jobs do not survive a restart.
type MemoryQueue struct {
	jobs      chan Job
	closeOnce sync.Once
	closed    chan struct{}
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 100
	}
	return &MemoryQueue{jobs: make(chan Job, size), closed: make(chan struct{})}
}

// Enqueue never blocks; a full buffer returns ErrQueueFull.
func (q *MemoryQueue) Enqueue(_ context.Context, job Job) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Job, error) {
	select {
	case job := <-q.jobs:
		return job, nil
	case <-q.closed:
		return Job{}, ErrQueueClosed
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(context.Context, Job) error { return nil }

func (q *MemoryQueue) Len(context.Context) (int, error) { return len(q.jobs), nil }

func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}
