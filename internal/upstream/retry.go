package upstream

import (
	"context"
	"math"
	"time"
)

// Backoff yields the delay before retry attempt n (n starts at 1).
type Backoff func(attempt int) time.Duration

// ExponentialBackoff doubles the base delay per attempt: base, 2*base, 4*base…
func ExponentialBackoff(base time.Duration) Backoff {
	return func(attempt int) time.Duration {
		return base * time.Duration(math.Pow(2, float64(attempt-1)))
	}
}

// retry runs op up to maxAttempts times, sleeping backoff(n) between
// attempts, but only while retryable(err) holds. The context cancels the
// wait, never the in-flight attempt (op owns its own context handling).
func retry[T any](ctx context.Context, maxAttempts int, backoff Backoff, retryable func(error) bool, op func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff(attempt - 1)):
			}
		}
		out, err := op(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return zero, lastErr
}
