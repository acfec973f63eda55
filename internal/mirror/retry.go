package mirror

import (
	"context"
	"math/rand/v2"
	"time"
)

// retryDelay is the wait before attempt+1: RetryBase doubled per attempt,
// capped at RetryMaxDelay, then scaled by a 0.7..1.3 jitter and capped again.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, cfg.RetryMaxDelay)
	d = time.Duration(float64(d) * (0.7 + 0.6*rand.Float64()))
	return max(0, min(d, cfg.RetryMaxDelay))
}

// sleepCtx waits d and reports false when ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
