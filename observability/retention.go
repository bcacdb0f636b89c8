package observability

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RetentionConfig specifies per-table retention in days. Zero means no cleanup.
type RetentionConfig struct {
	MetricsDays    int
	EventsDays     int
	RunVacuumAfter bool
}

// Cleanup deletes records exceeding the retention thresholds.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now()

	targets := []struct {
		query  string
		days   int
		cutoff func(time.Time) int64
	}{
		{"DELETE FROM metrics_timeseries WHERE timestamp < ?", cfg.MetricsDays, func(t time.Time) int64 { return t.Unix() }},
		{"DELETE FROM engine_events WHERE timestamp < ?", cfg.EventsDays, func(t time.Time) int64 { return t.UnixMilli() }},
	}
	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		cutoff := t.cutoff(now.AddDate(0, 0, -t.days))
		if _, err := db.ExecContext(ctx, t.query, cutoff); err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
	}

	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}
	return nil
}
