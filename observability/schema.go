package observability

import "database/sql"

// Schema contains the DDL for the engine telemetry tables. Call Init(db) to
// apply it, or embed this constant in your own schema management.
const Schema = `
-- Fetch and search datapoints; labels is a JSON object.
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    id INTEGER PRIMARY KEY,
    metric_name TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    value REAL NOT NULL,
    labels TEXT,
    unit TEXT,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_metrics_timestamp
    ON metrics_timeseries(timestamp DESC);

-- Engine Events
CREATE TABLE IF NOT EXISTS engine_events (
    event_id TEXT PRIMARY KEY,
    timestamp INTEGER NOT NULL,
    event_type TEXT NOT NULL,
    request_id TEXT,
    source TEXT,
    partition_key TEXT,
    error_kind TEXT,
    from_state TEXT,
    to_state TEXT,
    detail TEXT,
    duration_ms INTEGER,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_engine_events_time ON engine_events(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_engine_events_type ON engine_events(event_type, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_engine_events_source ON engine_events(source, timestamp DESC);

-- Metadata registry
CREATE TABLE IF NOT EXISTS _observability_metadata (
    table_name TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
    description TEXT
);
INSERT OR IGNORE INTO _observability_metadata (table_name, description) VALUES
    ('metrics_timeseries', 'Timeseries metric datapoints'),
    ('engine_events', 'Breaker transitions, partition failures and cache fallbacks');
`

// Init applies the observability schema to the given database.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
