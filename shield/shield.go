// Package shield provides the HTTP middleware every licita listener runs:
// security headers, body limits, request tracing, per-endpoint rate limits
// and a maintenance switch.
//
// Usage:
//
//	r := chi.NewRouter()
//	stack, rl, mm := shield.DefaultStack(db)
//	rl.StartReloader(done)
//	mm.StartReloader(done)
//	for _, mw := range stack {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultBodyLimit caps request bodies. Search queries are small.
const DefaultBodyLimit = 64 * 1024

// DefaultStack returns the middleware stack for a listener backed by db.
// Order: Maintenance, HeadToGet, SecurityHeaders, MaxBody, TraceID, RateLimiter.
// Health endpoints bypass maintenance and rate limiting.
func DefaultStack(db *sql.DB) ([]func(http.Handler) http.Handler, *RateLimiter, *MaintenanceMode) {
	rl := NewRateLimiter(db, "/healthz", "/health/")
	mm := NewMaintenanceMode(db, "/healthz", "/health/")
	return []func(http.Handler) http.Handler{
		mm.Middleware,
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(DefaultBodyLimit),
		TraceID,
		rl.Middleware,
	}, rl, mm
}

// BaseStack is DefaultStack without the database-backed middlewares.
func BaseStack() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(DefaultBodyLimit),
		TraceID,
	}
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
