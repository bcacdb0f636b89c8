package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSchema creates the durable cache table.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
    key              TEXT PRIMARY KEY,
    caller           TEXT NOT NULL,
    query_json       JSONB NOT NULL,
    result_json      JSONB NOT NULL,
    fetched_at       TIMESTAMPTZ NOT NULL,
    access_count     INTEGER NOT NULL DEFAULT 0,
    last_accessed_at TIMESTAMPTZ,
    priority         TEXT NOT NULL DEFAULT 'cold',
    saved            BOOLEAN NOT NULL DEFAULT FALSE,
    expires_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_priority ON cache_entries(priority, expires_at);
`

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresPool connects to dsn and verifies the connection.
func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("cache: parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("cache: connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cache: ping postgres: %w", err)
	}
	return pool, nil
}

// NewPostgresStore creates the schema if needed.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, PostgresSchema); err != nil {
		return nil, fmt.Errorf("cache: postgres schema: %w", err)
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Get(ctx context.Context, key string) (*Entry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT key, caller, query_json::text, result_json::text, fetched_at,
		       access_count, last_accessed_at, priority, saved
		FROM cache_entries
		WHERE key = $1 AND expires_at > $2`, key, s.now())

	var (
		e                  Entry
		queryJSON, resJSON string
		accessed           *time.Time
		priority           string
	)
	err := row.Scan(&e.Key, &e.Caller, &queryJSON, &resJSON, &e.FetchedAt, &e.AccessCount, &accessed, &priority, &e.Saved)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache: postgres get: %w", err)
	}
	if err := decodeEntry(&e, queryJSON, resJSON, priority); err != nil {
		return nil, err
	}
	e.FetchedAt = e.FetchedAt.UTC()
	if accessed != nil {
		e.LastAccessedAt = accessed.UTC()
	}
	return &e, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, e *Entry, ttl time.Duration) error {
	queryJSON, resJSON, err := encodeEntry(e)
	if err != nil {
		return err
	}
	expires := time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	if ttl > 0 {
		expires = s.now().Add(ttl)
	}
	var accessed *time.Time
	if !e.LastAccessedAt.IsZero() {
		accessed = &e.LastAccessedAt
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO cache_entries (key, caller, query_json, result_json, fetched_at,
			access_count, last_accessed_at, priority, saved, expires_at)
		VALUES ($1, $2, $3::jsonb, $4::jsonb, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (key) DO UPDATE SET
			caller = EXCLUDED.caller,
			query_json = EXCLUDED.query_json,
			result_json = EXCLUDED.result_json,
			fetched_at = EXCLUDED.fetched_at,
			access_count = EXCLUDED.access_count,
			last_accessed_at = EXCLUDED.last_accessed_at,
			priority = EXCLUDED.priority,
			saved = EXCLUDED.saved,
			expires_at = EXCLUDED.expires_at`,
		key, e.Caller, queryJSON, resJSON, e.FetchedAt,
		e.AccessCount, accessed, e.Priority.String(), e.Saved, expires)
	if err != nil {
		return fmt.Errorf("cache: postgres set: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("cache: postgres delete: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByPriority(ctx context.Context, p Priority) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key FROM cache_entries
		WHERE priority = $1 AND expires_at > $2
		ORDER BY key`, p.String(), s.now())
	if err != nil {
		return nil, fmt.Errorf("cache: postgres list: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("cache: postgres scan: %w", err)
	}
	return keys, nil
}
