package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/hazyhaar/licita/tender"
)

// RetryPolicy computes bounded exponential backoff with jitter.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// DefaultRetryPolicy returns 3 retries starting at 500ms, doubling, capped at 8s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   8 * time.Second,
		Multiplier: 2,
	}
}

// NextDelay returns min(BaseDelay * Multiplier^attempt, MaxDelay) scaled by a
// random factor in [0.5, 1.5). attempt is zero-based.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	r := rand.Float64
	if p.Rand != nil {
		r = p.Rand
	}
	return time.Duration(d * (0.5 + r()))
}

// Classify reports whether err is Transient or Terminal for retry purposes.
// Timeouts are transient; a circuit-open rejection is terminal here since
// retrying it cannot succeed before the recovery timeout.
func (p RetryPolicy) Classify(err error) tender.ErrorKind {
	if Retryable(err) {
		return tender.KindTransient
	}
	return tender.KindTerminal
}

// delayFor honours a provider Retry-After hint when it exceeds the computed
// backoff. The hint is still capped at MaxDelay.
func (p RetryPolicy) delayFor(attempt int, err error) time.Duration {
	d := p.NextDelay(attempt)
	var he *HTTPError
	if errors.As(err, &he) && he.RetryAfter > d {
		d = he.RetryAfter
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}
	}
	return d
}

// WithTimeout returns a HandlerMiddleware that applies a per-call timeout.
// A zero duration disables the timeout entirely.
func WithTimeout(d time.Duration) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) ([]byte, error) {
			if d > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}
			return next(ctx, req)
		}
	}
}

// WithRetry returns a HandlerMiddleware that retries transient failures
// according to policy. Terminal errors and circuit-open rejections return
// immediately. It respects context cancellation between retries.
func WithRetry(policy RetryPolicy, logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) ([]byte, error) {
			var lastErr error
			for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
				resp, err := next(ctx, req)
				if err == nil {
					return resp, nil
				}
				lastErr = err

				if ctx.Err() != nil || !Retryable(err) {
					return nil, lastErr
				}
				if attempt == policy.MaxRetries {
					break
				}

				wait := policy.delayFor(attempt, err)
				if logger != nil {
					logger.WarnContext(ctx, "retrying call",
						"source", req.Source,
						"attempt", attempt+1,
						"max_retries", policy.MaxRetries,
						"backoff_ms", wait.Milliseconds(),
						"error", err)
				}
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, lastErr
				case <-timer.C:
				}
			}
			return nil, lastErr
		}
	}
}
