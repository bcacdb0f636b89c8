package shield

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/licita/idgen"
	"github.com/hazyhaar/licita/kit"
	"github.com/hazyhaar/licita/netsafe"
)

// TraceID tags each request with a short random trace ID and a request ID,
// and attaches a per-request logger carrying both. A well-formed inbound
// X-Request-ID is kept so callers can correlate retries.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := make([]byte, 4)
		rand.Read(id)
		traceID := hex.EncodeToString(id)

		reqID := r.Header.Get("X-Request-ID")
		if len(reqID) > 64 || netsafe.ValidateIdentifier(reqID) != nil {
			reqID = idgen.New()
		}

		ctx := kit.WithTraceID(r.Context(), traceID)
		ctx = kit.WithRequestID(ctx, reqID)
		w.Header().Set("X-Trace-ID", traceID)
		w.Header().Set("X-Request-ID", reqID)

		logger := slog.Default().With(
			"trace_id", traceID,
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)
		ctx = context.WithValue(ctx, LoggerKey, logger)
		logger.Info("request")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
