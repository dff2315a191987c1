package errs

import (
	"context"
	"time"
)

// Backoff is the retry policy for balance and subscription refreshes:
// exponential delays starting at InitialDelay, capped at MaxAttempts.
type Backoff struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Factor       float64
}

// DefaultBackoff retries at 1s and 2s before the final attempt.
var DefaultBackoff = Backoff{
	MaxAttempts:  3,
	InitialDelay: 1 * time.Second,
	Factor:       2.0,
}

func (b Backoff) delay(attempt int) time.Duration {
	d := b.InitialDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * b.Factor)
	}
	return d
}

// Do runs fn up to MaxAttempts times, sleeping between attempts. It stops
// early on context cancellation and on any error IsRetryable rejects.
func (b Backoff) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= b.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.delay(attempt - 1)):
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
