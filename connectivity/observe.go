package connectivity

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/licita/observability"
	"github.com/hazyhaar/licita/tender"
)

// WithObservability returns a HandlerMiddleware that records call duration
// as a metric and counts failures by error kind.
//
// It emits "fetch.call.duration_ms" for every call and "fetch.call.error"
// on failures, labelled with the source and, for errors, the error kind.
func WithObservability(mm *observability.MetricsManager) HandlerMiddleware {
	return func(next Handler) Handler {
		if mm == nil {
			return next
		}
		return func(ctx context.Context, req *Request) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			dur := time.Since(start)

			mm.Record(&observability.Metric{
				Name:      observability.MetricFetchCallDurationMs,
				Timestamp: start,
				Value:     float64(dur.Milliseconds()),
				Labels:    map[string]string{"source": req.Source},
				Unit:      "milliseconds",
			})

			if err != nil {
				mm.Record(&observability.Metric{
					Name:      observability.MetricFetchCallError,
					Timestamp: start,
					Value:     1,
					Labels: map[string]string{
						"source": req.Source,
						"kind":   string(Classify(err)),
					},
					Unit: "count",
				})
			}

			return resp, err
		}
	}
}

// WithCallLogging returns a HandlerMiddleware that uses slog for structured
// call logging. Circuit-open rejections are logged apart from real failures.
func WithCallLogging(logger *slog.Logger) HandlerMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			dur := time.Since(start)

			switch kind := Classify(err); {
			case err == nil:
				logger.DebugContext(ctx, "fetch call ok",
					"source", req.Source,
					"url", req.URL,
					"duration_ms", dur.Milliseconds(),
					"response_bytes", len(resp))
			case kind == tender.KindCircuitOpen:
				logger.InfoContext(ctx, "fetch call rejected: circuit open",
					"source", req.Source)
			default:
				logger.WarnContext(ctx, "fetch call failed",
					"source", req.Source,
					"url", req.URL,
					"duration_ms", dur.Milliseconds(),
					"kind", string(kind),
					"error", err)
			}
			return resp, err
		}
	}
}
