package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/licita/dbopen"
	"github.com/hazyhaar/licita/idgen"
	"github.com/hazyhaar/licita/tender"
)

// EventType names one kind of engine event.
type EventType string

const (
	EventBreakerTransition EventType = "breaker_transition"
	EventPartitionFailed   EventType = "partition_failed"
	EventSourceSkipped     EventType = "source_skipped"
	EventCacheFallback     EventType = "cache_fallback"
	EventAllSourcesFailed  EventType = "all_sources_failed"
	EventSearchCompleted   EventType = "search_completed"
)

// Event is one record of the engine's outbound event stream.
type Event struct {
	ID        string           `json:"id"`
	Timestamp time.Time        `json:"timestamp"`
	Type      EventType        `json:"type"`
	RequestID string           `json:"request_id,omitempty"`
	Source    tender.SourceID  `json:"source,omitempty"`
	Partition string           `json:"partition,omitempty"`
	Kind      tender.ErrorKind `json:"error_kind,omitempty"`
	From      string           `json:"from,omitempty"`
	To        string           `json:"to,omitempty"`
	Detail    string           `json:"detail,omitempty"`
	Duration  time.Duration    `json:"duration,omitempty"`
}

// EventFilter controls query results from the event table.
type EventFilter struct {
	StartTime *time.Time
	EndTime   *time.Time
	Type      *EventType
	Source    *tender.SourceID
	RequestID *string
	Limit     int    // default 100
	OrderDir  string // "ASC" or "DESC"
}

// EventSink drains an event channel into the engine_events table in
// batches. The channel belongs to the producer; the sink stops when the
// channel is closed or Close is called, flushing what it has.
type EventSink struct {
	db     *sql.DB
	newID  idgen.Generator
	events <-chan Event
	batch  int
	every  time.Duration
	stop   chan struct{}
	done   chan struct{}
	logger *slog.Logger
}

// SinkOption configures an EventSink.
type SinkOption func(*EventSink)

// WithSinkIDGenerator sets a custom ID generator for event IDs.
func WithSinkIDGenerator(gen idgen.Generator) SinkOption {
	return func(s *EventSink) { s.newID = gen }
}

// WithSinkFlush sets the batch size and flush interval. Defaults: 100, 5s.
func WithSinkFlush(batch int, every time.Duration) SinkOption {
	return func(s *EventSink) {
		if batch > 0 {
			s.batch = batch
		}
		if every > 0 {
			s.every = every
		}
	}
}

// WithSinkLogger sets the logger. Defaults to slog.Default().
func WithSinkLogger(l *slog.Logger) SinkOption {
	return func(s *EventSink) { s.logger = l }
}

// NewEventSink starts draining events into db.
func NewEventSink(db *sql.DB, events <-chan Event, opts ...SinkOption) *EventSink {
	s := &EventSink{
		db:     db,
		newID:  idgen.Prefixed("evt_", idgen.Default),
		events: events,
		batch:  100,
		every:  5 * time.Second,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	go s.flushLoop()
	return s
}

// Close drains whatever is buffered in the channel, flushes, and stops the
// sink. It does not close the channel.
func (s *EventSink) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	return nil
}

// Done is closed once the sink has flushed its last batch.
func (s *EventSink) Done() <-chan struct{} { return s.done }

func (s *EventSink) flushLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()
	batch := make([]Event, 0, s.batch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.insert(batch); err != nil {
			s.logger.Error("observability events: flush failed", "error", err, "events", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-s.stop:
			for {
				select {
				case e, ok := <-s.events:
					if !ok {
						flush()
						return
					}
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e, ok := <-s.events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= s.batch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *EventSink) insert(batch []Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO engine_events
			(event_id, timestamp, event_type, request_id, source, partition_key,
			 error_kind, from_state, to_state, detail, duration_ms)
			VALUES (?,?,?,?,?,?,?,?,?,?,?)`)
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		defer stmt.Close()

		for i := range batch {
			e := &batch[i]
			if e.ID == "" {
				e.ID = s.newID()
			}
			if e.Timestamp.IsZero() {
				e.Timestamp = time.Now()
			}
			if _, err := stmt.ExecContext(ctx,
				e.ID, e.Timestamp.UnixMilli(), string(e.Type), e.RequestID, string(e.Source), e.Partition,
				string(e.Kind), e.From, e.To, e.Detail, e.Duration.Milliseconds(),
			); err != nil {
				if dbopen.IsBusy(err) {
					return err
				}
				s.logger.Error("observability events: insert", "error", err, "event_id", e.ID)
			}
		}
		return nil
	})
}

// Query retrieves events matching the filter.
func (s *EventSink) Query(ctx context.Context, f EventFilter) ([]Event, error) {
	return QueryEvents(ctx, s.db, f)
}

// QueryEvents reads the engine_events table.
func QueryEvents(ctx context.Context, db *sql.DB, f EventFilter) ([]Event, error) {
	q := `SELECT event_id, timestamp, event_type, request_id, source, partition_key,
		error_kind, from_state, to_state, detail, duration_ms
		FROM engine_events WHERE 1=1`
	var args []any

	if f.StartTime != nil {
		q += " AND timestamp >= ?"
		args = append(args, f.StartTime.UnixMilli())
	}
	if f.EndTime != nil {
		q += " AND timestamp <= ?"
		args = append(args, f.EndTime.UnixMilli())
	}
	if f.Type != nil {
		q += " AND event_type = ?"
		args = append(args, string(*f.Type))
	}
	if f.Source != nil {
		q += " AND source = ?"
		args = append(args, string(*f.Source))
	}
	if f.RequestID != nil {
		q += " AND request_id = ?"
		args = append(args, *f.RequestID)
	}

	orderDir := "DESC"
	if f.OrderDir != "" {
		switch strings.ToUpper(f.OrderDir) {
		case "ASC", "DESC":
			orderDir = strings.ToUpper(f.OrderDir)
		default:
			return nil, fmt.Errorf("invalid order_dir: %q", f.OrderDir)
		}
	}
	q += " ORDER BY timestamp " + orderDir + ", event_id " + orderDir

	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query engine events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e                                    Event
			ts                                   int64
			typ                                  string
			requestID, src, part, kind, from, to sql.NullString
			detail                               sql.NullString
			durMs                                sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &ts, &typ, &requestID, &src, &part, &kind, &from, &to, &detail, &durMs); err != nil {
			return nil, fmt.Errorf("scan engine event: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		e.Type = EventType(typ)
		e.RequestID = requestID.String
		e.Source = tender.SourceID(src.String)
		e.Partition = part.String
		e.Kind = tender.ErrorKind(kind.String)
		e.From = from.String
		e.To = to.String
		e.Detail = detail.String
		e.Duration = time.Duration(durMs.Int64) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}
