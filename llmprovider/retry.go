package llmprovider

import (
	"context"
	"time"

	"github.com/ghiac/emperor/model"
)

// retryConfig mirrors original_source/src/utils/llm_client.py's tenacity
// decorator: stop_after_attempt(3), wait_exponential(multiplier=1, min=4,
// max=10). Go has no pack-provided retry/backoff library (no example
// repo imports one), so this is hand-rolled — the one deliberate stdlib
// choice in this package.
type retryConfig struct {
	maxAttempts int
	base        time.Duration
	cap         time.Duration
	factor      float64
}

var defaultRetry = retryConfig{
	maxAttempts: 3,
	base:        4 * time.Second,
	cap:         10 * time.Second,
	factor:      1,
}

// withRetry runs fn up to cfg.maxAttempts times, backing off
// exponentially between attempts, and gives up immediately on any error
// that is not tagged model.KindTransient.
func withRetry[T any](ctx context.Context, cfg retryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		result T
		lastErr error
	)
	wait := cfg.base
	for attempt := 1; attempt <= cfg.maxAttempts; attempt++ {
		result, lastErr = fn(ctx)
		if lastErr == nil {
			return result, nil
		}
		if !model.IsKind(lastErr, model.KindTransient) {
			return result, lastErr
		}
		if attempt == cfg.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return result, model.Wrap(model.KindCancelled, "llmprovider: retry cancelled", ctx.Err())
		case <-time.After(wait):
		}

		wait = time.Duration(float64(wait) * cfg.factor)
		if wait > cfg.cap {
			wait = cfg.cap
		}
	}
	return result, lastErr
}
