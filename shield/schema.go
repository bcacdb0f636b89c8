package shield

import "database/sql"

// Schema defines the SQLite tables used by shield middlewares:
//   - rate_limits: per-endpoint rules, keyed "METHOD /path" (RateLimiter)
//   - maintenance: the single maintenance flag row (MaintenanceMode)
//
// All statements are idempotent. Seeded rules never overwrite edited ones.
const Schema = `
CREATE TABLE IF NOT EXISTS rate_limits (
    endpoint       TEXT PRIMARY KEY,
    max_requests   INTEGER NOT NULL DEFAULT 60,
    window_seconds INTEGER NOT NULL DEFAULT 60,
    enabled        INTEGER NOT NULL DEFAULT 1
);

INSERT OR IGNORE INTO rate_limits (endpoint, max_requests, window_seconds, enabled)
VALUES ('POST /api/search', 30, 60, 1);

CREATE TABLE IF NOT EXISTS maintenance (
    id      INTEGER PRIMARY KEY CHECK (id = 1),
    active  INTEGER NOT NULL DEFAULT 0,
    message TEXT NOT NULL DEFAULT 'Service under maintenance, please retry later.'
);

INSERT OR IGNORE INTO maintenance (id, active, message)
VALUES (1, 0, 'Service under maintenance, please retry later.');
`

// Init creates the shield tables if they don't exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
