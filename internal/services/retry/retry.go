// Package retry runs an operation with jittered exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

type Options struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int
	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps any single delay.
	MaxBackoff time.Duration
}

var ErrExceededMaxAttempts = errors.New("exceeded max retry attempts")

// permanent marks an error that must not be retried.
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent wraps err so Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err}
}

// Do calls op until it succeeds, returns a Permanent error, the attempts
// run out or ctx is done. The last error is returned.
func Do(ctx context.Context, opts Options, op func(ctx context.Context, attempt int) error) error {
	if opts.MaxAttempts <= 0 {
		return ErrExceededMaxAttempts
	}
	var err error
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		err = op(ctx, attempt)
		if err == nil {
			return nil
		}
		var p permanent
		if errors.As(err, &p) {
			return p.err
		}
		if attempt == opts.MaxAttempts-1 {
			break
		}
		if err := Sleep(ctx, Backoff(attempt, opts.InitialBackoff, opts.MaxBackoff)); err != nil {
			return err
		}
	}
	return err
}

// Backoff returns base*2^attempt plus up to the same again in jitter,
// capped at max (when max > 0).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	backoff := base * time.Duration(1<<uint(attempt))
	backoff += time.Duration(rand.Int64N(int64(backoff)))
	if max > 0 && backoff > max {
		backoff = max
	}
	return backoff
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
