package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps jobs in two Redis lists. Dequeue atomically moves an
// entry from pending to processing; Ack removes it from processing. An
// entry left in processing by a crashed worker is put back by Recover, so
// delivery is at-least-once.
type RedisQueue struct {
	client     redis.UniversalClient
	pending    string
	processing string
	// block bounds each BLMOVE so ctx cancellation is noticed.
	block time.Duration
}

var (
	_ Queue     = (*RedisQueue)(nil)
	_ Recoverer = (*RedisQueue)(nil)
)

// NewRedisQueue uses the lists <name>:pending and <name>:processing. The
// client is owned by the caller.
func NewRedisQueue(client redis.UniversalClient, name string) *RedisQueue {
	if name == "" {
		name = "study-pipeline:jobs"
	}
	return &RedisQueue{
		client:     client,
		pending:    name + ":pending",
		processing: name + ":processing",
		block:      time.Second,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	job.raw = ""
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return q.client.LPush(ctx, q.pending, data).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Job{}, err
		}
		raw, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", q.block).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			return Job{}, err
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			// Unreadable entries would loop forever through Recover.
			q.client.LRem(ctx, q.processing, 1, raw)
			return Job{}, fmt.Errorf("decode job: %w", err)
		}
		job.raw = raw
		return job, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, job Job) error {
	if job.raw == "" {
		return nil
	}
	return q.client.LRem(ctx, q.processing, 1, job.raw).Err()
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.pending).Result()
	return int(n), err
}

// Recover moves every processing entry back to pending. Call it once at
// start, before any worker of this queue runs.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.pending, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, err
		}
		moved++
	}
}

// Close is a no-op; the client belongs to the caller.
func (q *RedisQueue) Close() error { return nil }
