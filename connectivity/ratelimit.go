package connectivity

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter paces requests per source: consecutive requests to the same
// source start at least 1/rate apart, with a burst of one. Sources without
// a configured rate are not paced.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter creates an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{limiters: make(map[string]*rate.Limiter)}
}

// SetRate configures the sustained request rate for source. A rate <= 0
// removes pacing.
func (rl *RateLimiter) SetRate(source string, perSecond float64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if perSecond <= 0 {
		delete(rl.limiters, source)
		return
	}
	if lim, ok := rl.limiters[source]; ok {
		lim.SetLimit(rate.Limit(perSecond))
		return
	}
	rl.limiters[source] = rate.NewLimiter(rate.Limit(perSecond), 1)
}

// Acquire blocks until source may issue its next request. Concurrent callers
// queue behind each other. When the wait would outlast ctx's deadline it
// fails at once with an error wrapping context.DeadlineExceeded, so the
// caller's timeout classification still applies.
func (rl *RateLimiter) Acquire(ctx context.Context, source string) error {
	rl.mu.Lock()
	lim := rl.limiters[source]
	rl.mu.Unlock()
	if lim == nil {
		return ctx.Err()
	}
	if err := lim.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("connectivity: rate wait for %s: %w", source, context.DeadlineExceeded)
	}
	return nil
}

// WithRateLimit returns a HandlerMiddleware that paces calls for
// req.Source through rl.
func WithRateLimit(rl *RateLimiter) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) ([]byte, error) {
			if err := rl.Acquire(ctx, req.Source); err != nil {
				return nil, err
			}
			return next(ctx, req)
		}
	}
}
