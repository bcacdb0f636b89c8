// Package observability persists engine telemetry to SQLite: fetch metrics
// and the engine event stream.
//
// Both components write to a telemetry database kept apart from the cache
// database. Call Init() on the shared *sql.DB first, then pass it to the
// individual constructors.
//
// Persistence is async and never blocks a fetch.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/licita/dbopen"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string
	Timestamp time.Time
	Value     float64
	Labels    map[string]string // "source", "partition"
	Unit      string            // "milliseconds", "count"
}

// MetricFilter selects rows for QueryMetrics. Zero fields match everything.
type MetricFilter struct {
	Name   string
	Source string
	Since  time.Time
	Until  time.Time
	Limit  int
}

// MetricsManager buffers datapoints in memory and writes them in one
// transaction per flush. A flush runs on the interval, when the buffer
// reaches its batch size, and on Close.
type MetricsManager struct {
	db       *sql.DB
	batch    int
	interval time.Duration
	logger   *slog.Logger

	mu  sync.Mutex
	buf []*Metric

	kick      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// MetricsOption configures a MetricsManager.
type MetricsOption func(*MetricsManager)

// WithMetricsLogger sets the logger used for write failures.
func WithMetricsLogger(l *slog.Logger) MetricsOption {
	return func(mm *MetricsManager) { mm.logger = l }
}

// NewMetricsManager starts the flush loop. 100 and 5s suit a server.
func NewMetricsManager(db *sql.DB, batch int, interval time.Duration, opts ...MetricsOption) *MetricsManager {
	if batch <= 0 {
		batch = 100
	}
	mm := &MetricsManager{
		db:       db,
		batch:    batch,
		interval: interval,
		logger:   slog.Default(),
		buf:      make([]*Metric, 0, batch),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(mm)
	}
	go mm.loop()
	return mm
}

// Record queues m. It never touches the database; a full buffer only wakes
// the flush loop. A nil manager discards the datapoint.
func (mm *MetricsManager) Record(m *Metric) {
	if mm == nil {
		return
	}
	mm.mu.Lock()
	mm.buf = append(mm.buf, m)
	full := len(mm.buf) >= mm.batch
	mm.mu.Unlock()
	if full {
		select {
		case mm.kick <- struct{}{}:
		default:
		}
	}
}

// RecordSource records a datapoint labelled with its source. An empty
// source records an engine-wide datapoint without labels.
func (mm *MetricsManager) RecordSource(name, source string, value float64, unit string) {
	var labels map[string]string
	if source != "" {
		labels = map[string]string{"source": source}
	}
	mm.Record(&Metric{
		Name:      name,
		Timestamp: time.Now(),
		Value:     value,
		Labels:    labels,
		Unit:      unit,
	})
}

// Close flushes what is buffered and stops the loop. It is safe to call
// more than once.
func (mm *MetricsManager) Close() error {
	mm.closeOnce.Do(func() { close(mm.stop) })
	<-mm.done
	return nil
}

func (mm *MetricsManager) loop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-mm.stop:
			mm.flush()
			return
		case <-ticker.C:
			mm.flush()
		case <-mm.kick:
			mm.flush()
		}
	}
}

func (mm *MetricsManager) flush() {
	mm.mu.Lock()
	pending := mm.buf
	mm.buf = make([]*Metric, 0, mm.batch)
	mm.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := dbopen.RunTx(ctx, mm.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, m := range pending {
			var labels sql.NullString
			if len(m.Labels) > 0 {
				if b, err := json.Marshal(m.Labels); err == nil {
					labels = sql.NullString{String: string(b), Valid: true}
				}
			}
			if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.Unix(), m.Value, labels, m.Unit); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		mm.logger.Error("observability metrics: flush", "error", err, "dropped", len(pending))
	}
}

// QueryMetrics returns datapoints matching f, newest first.
func QueryMetrics(ctx context.Context, db *sql.DB, f MetricFilter) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE 1=1"
	var args []any

	if f.Name != "" {
		q += " AND metric_name = ?"
		args = append(args, f.Name)
	}
	if f.Source != "" {
		q += " AND json_extract(labels, '$.source') = ?"
		args = append(args, f.Source)
	}
	if !f.Since.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, f.Since.Unix())
	}
	if !f.Until.IsZero() {
		q += " AND timestamp <= ?"
		args = append(args, f.Until.Unix())
	}
	q += " ORDER BY timestamp DESC, id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var (
			m      Metric
			ts     int64
			labels sql.NullString
		)
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labels, &m.Unit); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m.Timestamp = time.Unix(ts, 0)
		if labels.Valid {
			json.Unmarshal([]byte(labels.String), &m.Labels)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Metric names recorded by the engine.
const (
	MetricFetchCallDurationMs = "fetch.call.duration_ms"
	MetricFetchCallError      = "fetch.call.error"
	MetricPartitionDurationMs = "fetch.partition.duration_ms"
	MetricPartitionRecords    = "fetch.partition.records"
	MetricSearchDurationMs    = "search.duration_ms"
	MetricSearchRecords       = "search.records"
	MetricCacheFallback       = "search.cache_fallback"
)
