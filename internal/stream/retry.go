package stream

import (
	"context"
	"errors"
	"time"

	"github.com/Aidin1998/marketstream/internal/upstream"
)

// withRetry runs fn up to attempts times with a fixed delay between tries.
// The last error is returned when all attempts fail. A classified rate-limit
// error aborts the remaining attempts immediately: it cannot clear within the
// retry window and the loop-level handler needs it to set the global
// cooldown.
func withRetry[T any](ctx context.Context, attempts int, delay time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 && !sleepCtx(ctx, delay) {
			return zero, ctx.Err()
		}
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		var rl *upstream.RateLimitError
		if errors.As(err, &rl) {
			return zero, err
		}
		lastErr = err
	}
	return zero, lastErr
}

// sleepCtx sleeps for d unless the context is cancelled first. It reports
// whether the full sleep elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
