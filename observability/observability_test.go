package observability

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/hazyhaar/licita/dbopen"
	"github.com/hazyhaar/licita/idgen"
	"github.com/hazyhaar/licita/tender"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
}

func TestInit_CreatesAllTables(t *testing.T) {
	db := dbopen.OpenMemory(t)
	for range 2 {
		if err := Init(db); err != nil {
			t.Fatalf("Init: %v", err)
		}
	}
	for _, table := range []string{"metrics_timeseries", "engine_events", "_observability_metadata"} {
		var count int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if count != 1 {
			t.Fatalf("table %s not found", table)
		}
	}
}

// --- MetricsManager ---

func TestMetricsManager_RecordAndQuery(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)

	mm.Record(&Metric{
		Name:      MetricPartitionDurationMs,
		Timestamp: time.Now(),
		Value:     420,
		Unit:      "milliseconds",
		Labels:    map[string]string{"source": "pncp", "partition": "SP:6"},
	})
	mm.RecordSource(MetricPartitionRecords, "pncp", 50, "count")
	mm.RecordSource(MetricPartitionRecords, "comprasgov", 7, "count")
	mm.RecordSource(MetricSearchDurationMs, "", 900, "milliseconds")
	mm.Close()
	mm.Close() // idempotent

	ctx := context.Background()
	metrics, err := QueryMetrics(ctx, db, MetricFilter{Name: MetricPartitionDurationMs})
	if err != nil {
		t.Fatal(err)
	}
	if len(metrics) != 1 || metrics[0].Value != 420 {
		t.Fatalf("duration: got %+v", metrics)
	}
	if metrics[0].Labels["partition"] != "SP:6" {
		t.Fatalf("labels: got %v", metrics[0].Labels)
	}

	pncp, err := QueryMetrics(ctx, db, MetricFilter{Source: "pncp"})
	if err != nil {
		t.Fatal(err)
	}
	if len(pncp) != 2 {
		t.Fatalf("pncp datapoints: got %d, want 2", len(pncp))
	}

	all, err := QueryMetrics(ctx, db, MetricFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("all metrics count: got %d", len(all))
	}
	search, _ := QueryMetrics(ctx, db, MetricFilter{Name: MetricSearchDurationMs})
	if len(search) != 1 || search[0].Labels != nil {
		t.Fatalf("engine-wide datapoint should have no labels: %+v", search)
	}
}

func TestMetricsManager_QueryWithTimeRange(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)

	now := time.Now()
	mm.Record(&Metric{Name: "m1", Timestamp: now.Add(-2 * time.Hour), Value: 1, Unit: "x"})
	mm.Record(&Metric{Name: "m1", Timestamp: now, Value: 2, Unit: "x"})
	mm.Close()

	metrics, err := QueryMetrics(context.Background(), db, MetricFilter{Name: "m1", Since: now.Add(-time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(metrics) != 1 || metrics[0].Value != 2 {
		t.Fatalf("time-filtered: got %+v", metrics)
	}
	limited, _ := QueryMetrics(context.Background(), db, MetricFilter{Name: "m1", Limit: 1})
	if len(limited) != 1 || limited[0].Value != 2 {
		t.Fatalf("limit should keep the newest: got %+v", limited)
	}
}

func TestMetricsManager_FlushesWhenBatchFills(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 3, time.Hour)
	defer mm.Close()

	for i := range 3 {
		mm.RecordSource(MetricFetchCallDurationMs, "pncp", float64(i), "milliseconds")
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var n int
		db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&n)
		if n == 3 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("full batch was not flushed")
}

func TestMetricsManager_NilIsNoop(t *testing.T) {
	var mm *MetricsManager
	mm.Record(&Metric{Name: "ignored"})
	mm.RecordSource("ignored", "pncp", 1, "count")
}

// --- EventSink ---

func countEvents(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM engine_events").Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestEventSink_DrainsOnClose(t *testing.T) {
	db := setupObsDB(t)
	ch := make(chan Event, 16)
	sink := NewEventSink(db, ch, WithSinkFlush(100, time.Hour))

	for i := range 5 {
		ch <- Event{
			Type:      EventPartitionFailed,
			RequestID: "req-1",
			Source:    tender.SourcePNCP,
			Partition: fmt.Sprintf("SP:%d", i+1),
			Kind:      tender.KindTimeout,
		}
	}
	sink.Close()

	if got := countEvents(t, db); got != 5 {
		t.Fatalf("events persisted: got %d, want 5", got)
	}
}

func TestEventSink_StopsWhenChannelCloses(t *testing.T) {
	db := setupObsDB(t)
	ch := make(chan Event, 4)
	sink := NewEventSink(db, ch, WithSinkFlush(100, time.Hour),
		WithSinkIDGenerator(idgen.Sequence("evt")))

	ch <- Event{Type: EventBreakerTransition, Source: tender.SourcePortal, From: "closed", To: "open"}
	close(ch)

	select {
	case <-sink.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("sink did not stop after channel close")
	}
	sink.Close() // idempotent after stop

	var id, from, to string
	db.QueryRow("SELECT event_id, from_state, to_state FROM engine_events").Scan(&id, &from, &to)
	if id != "evt-1" || from != "closed" || to != "open" {
		t.Fatalf("row = %q %q %q", id, from, to)
	}
}

func TestEventSink_FlushesOnBatchSize(t *testing.T) {
	db := setupObsDB(t)
	ch := make(chan Event)
	sink := NewEventSink(db, ch, WithSinkFlush(3, time.Hour))
	defer sink.Close()

	for range 3 {
		ch <- Event{Type: EventSourceSkipped, Source: tender.SourceComprasGov, Detail: "disabled"}
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if countEvents(t, db) == 3 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("batch was not flushed")
}

func TestQueryEvents_Filters(t *testing.T) {
	db := setupObsDB(t)
	ch := make(chan Event, 8)
	sink := NewEventSink(db, ch)

	base := time.Now().Add(-time.Minute)
	ch <- Event{Timestamp: base, Type: EventPartitionFailed, RequestID: "a", Source: tender.SourcePNCP, Kind: tender.KindTransient}
	ch <- Event{Timestamp: base.Add(time.Second), Type: EventPartitionFailed, RequestID: "a", Source: tender.SourcePortal, Kind: tender.KindTimeout}
	ch <- Event{Timestamp: base.Add(2 * time.Second), Type: EventCacheFallback, RequestID: "b", Duration: 1500 * time.Millisecond}
	sink.Close()
	ctx := context.Background()

	typ := EventPartitionFailed
	got, err := sink.Query(ctx, EventFilter{Type: &typ, OrderDir: "asc"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Source != tender.SourcePNCP || got[1].Kind != tender.KindTimeout {
		t.Fatalf("by type = %+v", got)
	}

	req := "b"
	got, err = QueryEvents(ctx, db, EventFilter{RequestID: &req})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Duration != 1500*time.Millisecond {
		t.Fatalf("by request = %+v", got)
	}

	if _, err := QueryEvents(ctx, db, EventFilter{OrderDir: "sideways"}); err == nil {
		t.Fatal("expected error for invalid order_dir")
	}
}

// --- Retention Cleanup ---

func TestCleanup_Retention(t *testing.T) {
	db := setupObsDB(t)

	old := time.Now().Add(-40 * 24 * time.Hour)
	db.Exec("INSERT INTO metrics_timeseries (metric_name, timestamp, value) VALUES ('m', ?, 1)", old.Unix())
	db.Exec("INSERT INTO engine_events (event_id, timestamp, event_type) VALUES ('e1', ?, 'partition_failed')", old.UnixMilli())
	db.Exec("INSERT INTO engine_events (event_id, timestamp, event_type) VALUES ('e2', ?, 'partition_failed')", time.Now().UnixMilli())

	err := Cleanup(context.Background(), db, RetentionConfig{MetricsDays: 30, EventsDays: 30})
	if err != nil {
		t.Fatal(err)
	}

	var metrics, events int
	db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&metrics)
	db.QueryRow("SELECT COUNT(*) FROM engine_events").Scan(&events)
	if metrics != 0 {
		t.Fatalf("metrics_timeseries: got %d", metrics)
	}
	if events != 1 {
		t.Fatalf("engine_events: got %d", events)
	}
}

func TestCleanup_SkipsZeroDays(t *testing.T) {
	db := setupObsDB(t)

	old := time.Now().Add(-40 * 24 * time.Hour)
	db.Exec("INSERT INTO engine_events (event_id, timestamp, event_type) VALUES ('e1', ?, 'x')", old.UnixMilli())

	if err := Cleanup(context.Background(), db, RetentionConfig{}); err != nil {
		t.Fatal(err)
	}
	if got := countEvents(t, db); got != 1 {
		t.Fatalf("should not clean when days=0: got %d", got)
	}
}
