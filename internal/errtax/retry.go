package errtax

import (
	"context"
	"time"
)

// Backoff computes the supervisor's reclaim backoff (§4.8): sleep for
// min(5 × 2^(attempt-1), 60) seconds between reclaiming a message and
// re-dispatching it to a worker. attempt is 1-based (the delivery count).
func Backoff(attempt int64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	seconds := 5 << (attempt - 1) // 5, 10, 20, 40, ...
	if attempt > 5 {
		// guard against overflow on pathological delivery counts; the cap
		// below makes the exact value irrelevant past a handful of shifts.
		seconds = 1 << 30
	}
	if seconds > 60 {
		seconds = 60
	}
	return time.Duration(seconds) * time.Second
}

// Sleep blocks for Backoff(attempt), honoring ctx cancellation.
func Sleep(ctx context.Context, attempt int64) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(Backoff(attempt)):
		return nil
	}
}
