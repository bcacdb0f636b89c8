package consolidate

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Refresher re-runs Hot cache entries whose fast-tier TTL has lapsed so
// saved and popular queries are served fresh.
type Refresher struct {
	svc      *Service
	interval time.Duration
	logger   *slog.Logger
}

// NewRefresher returns a refresher for svc. interval defaults to 1m.
func NewRefresher(svc *Service, interval time.Duration, logger *slog.Logger) *Refresher {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{svc: svc, interval: interval, logger: logger}
}

// RefreshOnce re-runs every current candidate live and returns how many
// were refreshed. Failed refreshes leave the existing entry in place.
func (r *Refresher) RefreshOnce(ctx context.Context) int {
	if r.svc.cache == nil {
		return 0
	}
	n := 0
	for _, e := range r.svc.cache.RefreshCandidates() {
		if ctx.Err() != nil {
			break
		}
		_, err := r.svc.run(ctx, e.Caller, e.Query, nil, false)
		var all *AllSourcesFailedError
		switch {
		case errors.As(err, &all):
			r.logger.WarnContext(ctx, "hot refresh: all sources failed", "caller", e.Caller, "key", e.Key)
		case err != nil:
			r.logger.WarnContext(ctx, "hot refresh failed", "caller", e.Caller, "key", e.Key, "error", err)
		default:
			n++
		}
	}
	return n
}

// Run refreshes on every tick until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.logger.Info("hot refresher started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("hot refresher stopped")
			return
		case <-ticker.C:
			if n := r.RefreshOnce(ctx); n > 0 {
				r.logger.Info("hot entries refreshed", "count", n)
			}
		}
	}
}
