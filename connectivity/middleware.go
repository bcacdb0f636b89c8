// Package connectivity holds the per-source resilience primitives (rate
// limiter, retry policy, circuit breaker) and composes them as middleware
// around an outbound HTTP transport.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Request is one outbound call to a provider.
type Request struct {
	Source string
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Handler performs a call and returns the raw response body.
type Handler func(ctx context.Context, req *Request) ([]byte, error)

// HandlerMiddleware wraps a Handler, adding cross-cutting behaviour
// (logging, timeout, recovery, metrics) without changing the signature.
type HandlerMiddleware func(next Handler) Handler

// Chain composes middlewares left-to-right: the first middleware in the
// slice is the outermost wrapper (executed first on the request path).
//
//	chain := Chain(logging, retry, breaker)
//	wrapped := chain(baseHandler)
func Chain(mws ...HandlerMiddleware) HandlerMiddleware {
	return func(next Handler) Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			if mws[i] != nil {
				next = mws[i](next)
			}
		}
		return next
	}
}

// Recovery returns a middleware that catches panics in downstream handlers
// and converts them into errors instead of crashing the process.
func Recovery(logger *slog.Logger) HandlerMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (resp []byte, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "handler panic recovered",
						"source", req.Source,
						"panic", r,
						"stack", string(debug.Stack()))
					err = &ErrPanic{Value: r}
				}
			}()
			return next(ctx, req)
		}
	}
}
