package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/licita/dbopen"
)

// SQLiteSchema creates the durable cache table.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
    key              TEXT PRIMARY KEY,
    caller           TEXT NOT NULL,
    query_json       TEXT NOT NULL,
    result_json      TEXT NOT NULL,
    fetched_at       INTEGER NOT NULL,
    access_count     INTEGER NOT NULL DEFAULT 0,
    last_accessed_at INTEGER NOT NULL DEFAULT 0,
    priority         TEXT NOT NULL DEFAULT 'cold',
    saved            INTEGER NOT NULL DEFAULT 0,
    expires_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_priority ON cache_entries(priority, expires_at);
CREATE INDEX IF NOT EXISTS idx_cache_entries_caller ON cache_entries(caller);
`

// SQLiteStore is a Store backed by a cache_entries table. Timestamps are
// unix milliseconds.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates the schema if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(SQLiteSchema); err != nil {
		return nil, fmt.Errorf("cache: sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

func (s *SQLiteStore) Get(ctx context.Context, key string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, caller, query_json, result_json, fetched_at, access_count,
		       last_accessed_at, priority, saved
		FROM cache_entries
		WHERE key = ? AND expires_at > ?`, key, s.now().UnixMilli())

	var (
		e                  Entry
		queryJSON, resJSON string
		fetched, accessed  int64
		priority           string
	)
	err := row.Scan(&e.Key, &e.Caller, &queryJSON, &resJSON, &fetched, &e.AccessCount, &accessed, &priority, &e.Saved)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache: sqlite get: %w", err)
	}
	if err := decodeEntry(&e, queryJSON, resJSON, priority); err != nil {
		return nil, err
	}
	e.FetchedAt = time.UnixMilli(fetched).UTC()
	if accessed > 0 {
		e.LastAccessedAt = time.UnixMilli(accessed).UTC()
	}
	return &e, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, e *Entry, ttl time.Duration) error {
	queryJSON, resJSON, err := encodeEntry(e)
	if err != nil {
		return err
	}
	expires := int64(1<<62 - 1)
	if ttl > 0 {
		expires = s.now().Add(ttl).UnixMilli()
	}
	var accessed int64
	if !e.LastAccessedAt.IsZero() {
		accessed = e.LastAccessedAt.UnixMilli()
	}
	_, err = dbopen.Exec(ctx, s.db, `
		INSERT INTO cache_entries (key, caller, query_json, result_json, fetched_at,
			access_count, last_accessed_at, priority, saved, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			caller = excluded.caller,
			query_json = excluded.query_json,
			result_json = excluded.result_json,
			fetched_at = excluded.fetched_at,
			access_count = excluded.access_count,
			last_accessed_at = excluded.last_accessed_at,
			priority = excluded.priority,
			saved = excluded.saved,
			expires_at = excluded.expires_at`,
		key, e.Caller, queryJSON, resJSON, e.FetchedAt.UnixMilli(),
		e.AccessCount, accessed, e.Priority.String(), e.Saved, expires)
	if err != nil {
		return fmt.Errorf("cache: sqlite set: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := dbopen.Exec(ctx, s.db, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("cache: sqlite delete: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListByPriority(ctx context.Context, p Priority) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM cache_entries
		WHERE priority = ? AND expires_at > ?
		ORDER BY key`, p.String(), s.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("cache: sqlite list: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("cache: sqlite scan: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Purge deletes expired rows and returns how many were removed.
func (s *SQLiteStore) Purge(ctx context.Context) (int64, error) {
	res, err := dbopen.Exec(ctx, s.db, `DELETE FROM cache_entries WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("cache: sqlite purge: %w", err)
	}
	return res.RowsAffected()
}

func encodeEntry(e *Entry) (queryJSON, resultJSON string, err error) {
	q, err := json.Marshal(e.Query)
	if err != nil {
		return "", "", fmt.Errorf("cache: encode query: %w", err)
	}
	r, err := json.Marshal(e.Result)
	if err != nil {
		return "", "", fmt.Errorf("cache: encode result: %w", err)
	}
	return string(q), string(r), nil
}

func decodeEntry(e *Entry, queryJSON, resultJSON, priority string) error {
	if err := json.Unmarshal([]byte(queryJSON), &e.Query); err != nil {
		return fmt.Errorf("cache: decode query: %w", err)
	}
	if err := json.Unmarshal([]byte(resultJSON), &e.Result); err != nil {
		return fmt.Errorf("cache: decode result: %w", err)
	}
	p, err := ParsePriority(priority)
	if err != nil {
		return err
	}
	e.Priority = p
	return nil
}
