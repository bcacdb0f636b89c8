package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/licita/dbopen"
	"github.com/hazyhaar/licita/tender"
	"github.com/hazyhaar/licita/watch"
)

// Schema holds runtime source overrides. Any write increments PRAGMA
// data_version on other connections, which Watch detects to reload.
const Schema = `
CREATE TABLE IF NOT EXISTS source_overrides (
    source     TEXT PRIMARY KEY,
    disabled   INTEGER NOT NULL DEFAULT 0,
    reason     TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
`

// Init creates the overrides table if it doesn't exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// ListOverrides returns every override row.
func ListOverrides(ctx context.Context, db *sql.DB) ([]Override, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT source, disabled, reason FROM source_overrides ORDER BY source`)
	if err != nil {
		return nil, fmt.Errorf("health: list overrides: %w", err)
	}
	defer rows.Close()

	var out []Override
	for rows.Next() {
		var o Override
		var src string
		if err := rows.Scan(&src, &o.Disabled, &o.Reason); err != nil {
			return nil, fmt.Errorf("health: scan override: %w", err)
		}
		o.Source = tender.SourceID(src)
		out = append(out, o)
	}
	return out, rows.Err()
}

// SetOverride inserts or updates the override for one source.
func SetOverride(ctx context.Context, db *sql.DB, o Override) error {
	if !o.Source.Valid() {
		return fmt.Errorf("health: unknown source %q", o.Source)
	}
	_, err := dbopen.Exec(ctx, db, `
		INSERT INTO source_overrides (source, disabled, reason, updated_at)
		VALUES (?, ?, ?, strftime('%s', 'now'))
		ON CONFLICT(source) DO UPDATE SET
			disabled = excluded.disabled,
			reason = excluded.reason,
			updated_at = excluded.updated_at`,
		string(o.Source), o.Disabled, o.Reason)
	if err != nil {
		return fmt.Errorf("health: set override: %w", err)
	}
	return nil
}

// ClearOverride removes the override for one source.
func ClearOverride(ctx context.Context, db *sql.DB, src tender.SourceID) error {
	if _, err := dbopen.Exec(ctx, db, `DELETE FROM source_overrides WHERE source = ?`, string(src)); err != nil {
		return fmt.Errorf("health: clear override: %w", err)
	}
	return nil
}

// Reload reads the overrides table into the registry.
func (r *Registry) Reload(ctx context.Context, db *sql.DB) error {
	list, err := ListOverrides(ctx, db)
	if err != nil {
		return err
	}
	r.ApplyOverrides(list)
	return nil
}

// Watch reloads overrides whenever another connection writes to db, polling
// PRAGMA data_version at the given interval. It blocks until ctx is
// cancelled:
//
//	go registry.Watch(ctx, db, 500*time.Millisecond)
func (r *Registry) Watch(ctx context.Context, db *sql.DB, interval time.Duration) {
	if err := r.Reload(ctx, db); err != nil {
		r.logger.Error("health: initial override load failed", "error", err)
	}
	w := watch.New(db, watch.Options{
		Interval: interval,
		Logger:   r.logger.With("watch", "source_overrides"),
	})
	w.OnChange(ctx, func() error { return r.Reload(ctx, db) })
}
