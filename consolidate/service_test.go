package consolidate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/licita/cache"
	"github.com/hazyhaar/licita/connectivity"
	"github.com/hazyhaar/licita/health"
	"github.com/hazyhaar/licita/idgen"
	"github.com/hazyhaar/licita/observability"
	"github.com/hazyhaar/licita/source"
	"github.com/hazyhaar/licita/tender"
	"github.com/hazyhaar/licita/timeouts"
)

// testChain keeps every scope short but strictly nested with the 30% margin.
var testChain = timeouts.Chain{
	Global:   400 * time.Millisecond,
	Source:   250 * time.Millisecond,
	Region:   150 * time.Millisecond,
	Modality: 100 * time.Millisecond,
	Page:     50 * time.Millisecond,
}

type fetchFunc func(ctx context.Context, p tender.Partition) ([]tender.RawRecord, error)

type fakeFetcher struct {
	cfg     source.Config
	breaker *connectivity.CircuitBreaker
	fetch   fetchFunc
	calls   atomic.Int64
	closed  atomic.Bool
}

func newFake(id tender.SourceID, priority int, fn fetchFunc) *fakeFetcher {
	return &fakeFetcher{
		cfg:     source.Config{ID: id, Enabled: true, Priority: priority, Workers: 2},
		breaker: connectivity.NewCircuitBreaker(string(id)),
		fetch:   fn,
	}
}

func (f *fakeFetcher) ID() tender.SourceID { return f.cfg.ID }
func (f *fakeFetcher) Config() source.Config { return f.cfg }
func (f *fakeFetcher) Breaker() *connectivity.CircuitBreaker { return f.breaker }
func (f *fakeFetcher) Probe(context.Context) error { return nil }
func (f *fakeFetcher) Close() { f.closed.Store(true) }
func (f *fakeFetcher) FetchAll(ctx context.Context, p tender.Partition, _ tender.Window) ([]tender.RawRecord, error) {
	f.calls.Add(1)
	return f.fetch(ctx, p)
}

func rec(src tender.SourceID, p tender.Partition, n int) tender.RawRecord {
	return tender.RawRecord{
		Source:        src,
		ProviderID:    fmt.Sprintf("%s-%s-%d", src, p.Key(), n),
		AgencyID:      "46395000000139",
		ProcessNumber: fmt.Sprintf("%d%03d", p.Modality, n),
		Year:          2026,
		Description:   fmt.Sprintf("Aquisição %s lote %d", p.UF, n),
		UF:            p.UF,
		Modality:      p.Modality,
		PublishedAt:   time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
	}
}

func recs(src tender.SourceID, p tender.Partition, n int) []tender.RawRecord {
	out := make([]tender.RawRecord, n)
	for i := range out {
		out[i] = rec(src, p, i)
	}
	return out
}

func testQuery(ufs ...string) tender.Query {
	return tender.Query{
		UFs:        ufs,
		Modalities: []int{6},
		From:       tender.Date{Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		To:         tender.Date{Time: time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)},
	}
}

func newService(t *testing.T, fetchers []Fetcher, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithChain(testChain)}, opts...)
	svc, err := New(health.NewRegistry(), fetchers, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestConsolidate_PartialFailureKeepsSiblings(t *testing.T) {
	f := newFake(tender.SourcePNCP, 1, func(ctx context.Context, p tender.Partition) ([]tender.RawRecord, error) {
		if p.UF == "BA" {
			<-ctx.Done()
			return recs(tender.SourcePNCP, p, 1), fmt.Errorf("page 2: %w", ctx.Err())
		}
		return recs(tender.SourcePNCP, p, 3), nil
	})
	svc := newService(t, []Fetcher{f})

	q := testQuery("SP", "RJ", "MG", "BA", "PR")
	q.Sources = []tender.SourceID{tender.SourcePNCP}
	res, err := svc.Consolidate(context.Background(), "alice", q)
	require.NoError(t, err)

	assert.True(t, res.IsPartial)
	assert.False(t, res.Degraded)
	assert.Len(t, res.Records, 4*3+1, "every successful partition plus the timed-out one's partial page")

	st := res.PerSourceStatus[tender.SourcePNCP]
	require.NotNil(t, st)
	assert.True(t, st.Attempted)
	assert.True(t, st.Succeeded)
	assert.Equal(t, tender.KindTimeout, st.ErrorKind)
	assert.Equal(t, map[string]tender.ErrorKind{"BA:6": tender.KindTimeout}, st.FailedPartitions)
	assert.EqualValues(t, 5, f.calls.Load())
}

func TestConsolidate_ZeroResultsDisambiguation(t *testing.T) {
	failing := func(err error) fetchFunc {
		return func(context.Context, tender.Partition) ([]tender.RawRecord, error) { return nil, err }
	}

	t.Run("all sources fail", func(t *testing.T) {
		a := newFake(tender.SourcePNCP, 1, failing(&connectivity.HTTPError{Source: "pncp", StatusCode: 503}))
		b := newFake(tender.SourceComprasGov, 2, failing(&connectivity.ErrCircuitOpen{Source: "compras_gov"}))
		c := newFake(tender.SourcePortal, 3, failing(nil))
		c.cfg.Enabled = false
		svc := newService(t, []Fetcher{a, b, c})

		res, err := svc.Consolidate(context.Background(), "alice", testQuery("SP"))
		var all *AllSourcesFailedError
		require.ErrorAs(t, err, &all)
		require.NotNil(t, res)
		assert.Empty(t, res.Records)
		assert.NotNil(t, res.Records)
		assert.True(t, res.IsPartial)
		assert.True(t, res.Degraded)
		assert.Equal(t, tender.KindTransient, res.PerSourceStatus[tender.SourcePNCP].ErrorKind)
		assert.Equal(t, tender.KindCircuitOpen, res.PerSourceStatus[tender.SourceComprasGov].ErrorKind)
		assert.Equal(t, tender.KindSkipped, res.PerSourceStatus[tender.SourcePortal].ErrorKind)
		assert.Equal(t, "disabled", res.PerSourceStatus[tender.SourcePortal].Reason)
		assert.Len(t, all.Statuses, 3)
	})

	t.Run("sources succeed with no matches", func(t *testing.T) {
		empty := failing(nil)
		svc := newService(t, []Fetcher{
			newFake(tender.SourcePNCP, 1, empty),
			newFake(tender.SourceComprasGov, 2, empty),
			newFake(tender.SourcePortal, 3, empty),
		})

		res, err := svc.Consolidate(context.Background(), "alice", testQuery("SP"))
		require.NoError(t, err)
		assert.Empty(t, res.Records)
		assert.False(t, res.IsPartial)
		assert.False(t, res.Degraded)
		for id, st := range res.PerSourceStatus {
			assert.True(t, st.Succeeded, id)
		}
	})
}

func TestConsolidate_ConfigurationSkipsAreNotPartial(t *testing.T) {
	empty := func(context.Context, tender.Partition) ([]tender.RawRecord, error) { return nil, nil }
	pncp := newFake(tender.SourcePNCP, 1, empty)
	portal := newFake(tender.SourcePortal, 3, empty)
	portal.cfg.RequiresCredentials = true
	svc := newService(t, []Fetcher{pncp, portal})

	// compras_gov is not registered at all.
	res, err := svc.Consolidate(context.Background(), "alice", testQuery("SP"))
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	assert.False(t, res.IsPartial)
	assert.False(t, res.Degraded)
	assert.True(t, res.PerSourceStatus[tender.SourcePNCP].Succeeded)
	assert.Equal(t, health.ReasonUnknown, res.PerSourceStatus[tender.SourceComprasGov].Reason)
	assert.Equal(t, health.ReasonNoCredentials, res.PerSourceStatus[tender.SourcePortal].Reason)
	assert.Equal(t, tender.KindSkipped, res.PerSourceStatus[tender.SourcePortal].ErrorKind)
	assert.Zero(t, portal.calls.Load())
}

func TestConsolidate_RegisteredSourceWithoutFetcher(t *testing.T) {
	empty := func(context.Context, tender.Partition) ([]tender.RawRecord, error) { return nil, nil }
	reg := health.NewRegistry()
	reg.Register(newFake(tender.SourceComprasGov, 2, empty))
	svc, err := New(reg, []Fetcher{newFake(tender.SourcePNCP, 1, empty)}, WithChain(testChain))
	require.NoError(t, err)
	defer svc.Close()

	q := testQuery("SP", "RJ", "MG")
	q.Sources = []tender.SourceID{tender.SourcePNCP, tender.SourceComprasGov}
	res, err := svc.Consolidate(context.Background(), "alice", q)
	require.NoError(t, err)
	assert.True(t, res.IsPartial)
	assert.Equal(t, reasonNoFetcher, res.PerSourceStatus[tender.SourceComprasGov].Reason)
	assert.True(t, res.PerSourceStatus[tender.SourcePNCP].Succeeded)
}

func TestConsolidate_FallbackCountsOneAccessPerRequest(t *testing.T) {
	var down atomic.Bool
	f := newFake(tender.SourcePNCP, 1, func(_ context.Context, p tender.Partition) ([]tender.RawRecord, error) {
		if down.Load() {
			return nil, &connectivity.HTTPError{Source: "pncp", StatusCode: 503}
		}
		return recs(tender.SourcePNCP, p, 1), nil
	})
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }

	cm := cache.NewManager(cache.WithClock(clock))
	svc := newService(t, []Fetcher{f}, WithCache(cm))
	q := testQuery("SP")
	q.Sources = []tender.SourceID{tender.SourcePNCP}
	ctx := context.Background()

	_, err := svc.Consolidate(ctx, "erin", q)
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(11 * time.Minute)
	mu.Unlock()
	down.Store(true)

	for want := 1; want <= 2; want++ {
		res, err := svc.Consolidate(ctx, "erin", q)
		require.NoError(t, err)
		assert.True(t, res.Cached)
		e, ok := cm.Lookup("erin", q.Key())
		require.True(t, ok)
		assert.Equal(t, want, e.AccessCount)
		assert.Equal(t, cache.Warm, e.Priority)
	}
}

func TestConsolidate_CacheFreshHitAndStaleFallback(t *testing.T) {
	var down atomic.Bool
	f := newFake(tender.SourcePNCP, 1, func(_ context.Context, p tender.Partition) ([]tender.RawRecord, error) {
		if down.Load() {
			return nil, &connectivity.HTTPError{Source: "pncp", StatusCode: 502}
		}
		return recs(tender.SourcePNCP, p, 2), nil
	})

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	advance := func(d time.Duration) { mu.Lock(); now = now.Add(d); mu.Unlock() }

	cm := cache.NewManager(cache.WithClock(clock))
	svc := newService(t, []Fetcher{f}, WithCache(cm))
	q := testQuery("SP")
	q.Sources = []tender.SourceID{tender.SourcePNCP}
	ctx := context.Background()

	live, err := svc.Consolidate(ctx, "bob", q)
	require.NoError(t, err)
	assert.False(t, live.Cached)
	assert.EqualValues(t, 1, f.calls.Load())

	advance(time.Minute)
	hit, err := svc.Consolidate(ctx, "bob", q)
	require.NoError(t, err)
	assert.True(t, hit.Cached)
	assert.Equal(t, int64(time.Minute/time.Millisecond), hit.CacheAgeMs)
	assert.Len(t, hit.Records, 2)
	assert.EqualValues(t, 1, f.calls.Load(), "fresh hit must not touch the source")

	// Past the Warm fast TTL the entry is stale; with the source down it is
	// served as a labelled fallback.
	advance(20 * time.Minute)
	down.Store(true)
	stale, err := svc.Consolidate(ctx, "bob", q)
	require.NoError(t, err)
	assert.True(t, stale.Cached)
	assert.True(t, stale.IsPartial)
	assert.False(t, stale.Degraded)
	assert.Len(t, stale.Records, 2)
	assert.Equal(t, tender.KindTransient, stale.PerSourceStatus[tender.SourcePNCP].ErrorKind)

	// Another caller has no entry to fall back on.
	_, err = svc.Consolidate(ctx, "carol", q)
	var all *AllSourcesFailedError
	assert.ErrorAs(t, err, &all)
}

func TestConsolidate_EmitsEventsAndProgress(t *testing.T) {
	f := newFake(tender.SourcePNCP, 1, func(_ context.Context, p tender.Partition) ([]tender.RawRecord, error) {
		if p.UF == "RJ" {
			return nil, &connectivity.HTTPError{Source: "pncp", StatusCode: 400}
		}
		return recs(tender.SourcePNCP, p, 1), nil
	})
	svc := newService(t, []Fetcher{f}, WithEventBuffer(16), WithIDGenerator(idgen.Sequence("req")))

	var got []Progress
	q := testQuery("SP", "RJ")
	q.Sources = []tender.SourceID{tender.SourcePNCP, tender.SourcePortal}
	res, err := svc.ConsolidateWithProgress(context.Background(), "alice", q, func(p Progress) { got = append(got, p) })
	require.NoError(t, err)
	assert.Equal(t, "req-1", res.RequestID)
	assert.Equal(t, "unknown source", res.PerSourceStatus[tender.SourcePortal].Reason)

	require.Len(t, got, 3)
	assert.Equal(t, ProgressSource, got[2].Type)
	var failed Progress
	for _, p := range got[:2] {
		if p.Kind != tender.KindNone {
			failed = p
		}
	}
	assert.Equal(t, "RJ:6", failed.Partition)
	assert.Equal(t, tender.KindTerminal, failed.Kind)

	require.NoError(t, svc.Close())
	var types []observability.EventType
	for e := range svc.Events() {
		assert.Equal(t, "req-1", e.RequestID)
		types = append(types, e.Type)
	}
	assert.ElementsMatch(t, []observability.EventType{
		observability.EventSourceSkipped,
		observability.EventPartitionFailed,
		observability.EventSearchCompleted,
	}, types)
	assert.True(t, f.closed.Load())
}

func TestConsolidate_EventChannelNeverBlocks(t *testing.T) {
	f := newFake(tender.SourcePNCP, 1, func(context.Context, tender.Partition) ([]tender.RawRecord, error) {
		return nil, &connectivity.HTTPError{Source: "pncp", StatusCode: 500}
	})
	svc := newService(t, []Fetcher{f}, WithEventBuffer(1))

	q := testQuery("SP", "RJ", "MG")
	q.Sources = []tender.SourceID{tender.SourcePNCP}
	_, err := svc.Consolidate(context.Background(), "alice", q)
	require.Error(t, err)
	assert.Positive(t, svc.DroppedEvents())
}

func TestConsolidate_PerSourcePoolBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int64
	f := newFake(tender.SourcePNCP, 1, func(context.Context, tender.Partition) ([]tender.RawRecord, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	})
	svc := newService(t, []Fetcher{f})

	q := testQuery("SP", "RJ", "MG", "BA", "PR", "SC")
	q.Sources = []tender.SourceID{tender.SourcePNCP}
	_, err := svc.Consolidate(context.Background(), "alice", q)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int64(2), "Workers=2 bounds concurrent regions")
}

func TestConsolidate_WarnsWhenRegionsExceedSourceBudget(t *testing.T) {
	// Two workers and a 150ms region scope: two waves need 300ms of a 250ms
	// source budget.
	f := newFake(tender.SourcePNCP, 1, func(_ context.Context, p tender.Partition) ([]tender.RawRecord, error) {
		return recs(tender.SourcePNCP, p, 1), nil
	})
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	svc := newService(t, []Fetcher{f}, WithLogger(logger))

	q := testQuery("SP", "RJ")
	q.Sources = []tender.SourceID{tender.SourcePNCP}
	_, err := svc.Consolidate(context.Background(), "alice", q)
	require.NoError(t, err)
	assert.False(t, strings.Contains(buf.String(), "regions may not fit"), buf.String())

	q = testQuery("SP", "RJ", "MG")
	q.Sources = []tender.SourceID{tender.SourcePNCP}
	_, err = svc.Consolidate(context.Background(), "alice", q)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "regions may not fit")
}

func TestConsolidate_InvalidQuery(t *testing.T) {
	svc := newService(t, nil)
	_, err := svc.Consolidate(context.Background(), "alice", tender.Query{UFs: []string{"XX"}})
	assert.ErrorIs(t, err, tender.ErrInvalidQuery)
}

func TestRefresher_RerunsHotEntries(t *testing.T) {
	f := newFake(tender.SourcePNCP, 1, func(_ context.Context, p tender.Partition) ([]tender.RawRecord, error) {
		return recs(tender.SourcePNCP, p, 1), nil
	})
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }

	cm := cache.NewManager(cache.WithClock(clock))
	svc := newService(t, []Fetcher{f}, WithCache(cm))
	q := testQuery("SP")
	q.Sources = []tender.SourceID{tender.SourcePNCP}
	q.Saved = true
	ctx := context.Background()

	_, err := svc.Consolidate(ctx, "alice", q)
	require.NoError(t, err)

	r := NewRefresher(svc, time.Hour, nil)
	assert.Zero(t, r.RefreshOnce(ctx), "entry is still fresh")

	mu.Lock()
	now = now.Add(3 * time.Minute)
	mu.Unlock()
	assert.Equal(t, 1, r.RefreshOnce(ctx))
	assert.EqualValues(t, 2, f.calls.Load())

	hit, err := svc.Consolidate(ctx, "alice", q)
	require.NoError(t, err)
	assert.True(t, hit.Cached)
	assert.Zero(t, hit.CacheAgeMs)
}

// --- end to end over HTTP ---

// providerServer serves items filtered by uf and modality. A hang partition
// blocks until the client gives up.
func providerServer(t *testing.T, items []map[string]any, hang string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uf := r.URL.Query().Get("uf")
		mod, _ := strconv.Atoi(r.URL.Query().Get("modality"))
		if fmt.Sprintf("%s:%d", uf, mod) == hang {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
			return
		}
		var out []map[string]any
		for _, it := range items {
			if it["uf"] == uf && it["modality"] == mod {
				out = append(out, it)
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"items": out})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func providerItems(prefix string, n, offset int, parts []tender.Partition) []map[string]any {
	items := make([]map[string]any, n)
	for i := range items {
		k := i + offset
		p := parts[k%len(parts)]
		items[i] = map[string]any{
			"provider_id":    fmt.Sprintf("%s-%d", prefix, k),
			"agency_id":      "46395000000139",
			"process_number": strconv.Itoa(1000 + k),
			"year":           2026,
			"description":    fmt.Sprintf("Contratação de serviço %d", k),
			"uf":             p.UF,
			"modality":       p.Modality,
			"published_at":   "2026-01-15",
		}
	}
	return items
}

func httpClient(t *testing.T, id tender.SourceID, priority int, baseURL string, opts ...source.Option) *source.Client {
	t.Helper()
	cfg := source.Config{
		ID:               id,
		BaseURL:          baseURL,
		Enabled:          true,
		Priority:         priority,
		Retry:            connectivity.RetryPolicy{MaxRetries: 0},
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
		HalfOpenRequests: 1,
		Workers:          4,
	}
	adapter, err := source.NewJSONAdapter(cfg, source.Mapping{
		Params:     map[string]string{"uf": "{uf}", "modality": "{modality}"},
		ResultPath: "items",
	})
	require.NoError(t, err)
	c, err := source.New(cfg, append(opts, source.WithAdapter(adapter))...)
	require.NoError(t, err)
	return c
}

func TestConsolidate_EndToEnd(t *testing.T) {
	parts := []tender.Partition{{UF: "RJ", Modality: 6}, {UF: "RJ", Modality: 8}, {UF: "SP", Modality: 6}, {UF: "SP", Modality: 8}}

	// B's first 10 records are A's records 0-9 under B's own provider IDs.
	aItems := providerItems("a", 50, 0, parts)
	bItems := append(providerItems("b", 10, 0, parts), providerItems("b", 20, 100, parts)...)
	cItems := providerItems("c", 0, 0, parts)

	a := httpClient(t, tender.SourcePNCP, 1, providerServer(t, aItems, "").URL)
	b := httpClient(t, tender.SourceComprasGov, 2, providerServer(t, bItems, "").URL)
	c := httpClient(t, tender.SourcePortal, 3, providerServer(t, cItems, "SP:8").URL)
	svc := newService(t, []Fetcher{a, b, c})

	q := tender.Query{
		UFs:        []string{"SP", "RJ"},
		Modalities: []int{6, 8},
		From:       tender.Date{Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		To:         tender.Date{Time: time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)},
	}
	res, err := svc.Consolidate(context.Background(), "alice", q)
	require.NoError(t, err)

	assert.Len(t, res.Records, 70, "50 + 30 - 10 overlapping")
	assert.True(t, res.IsPartial)
	assert.False(t, res.Degraded)

	stA, stB, stC := res.PerSourceStatus[tender.SourcePNCP], res.PerSourceStatus[tender.SourceComprasGov], res.PerSourceStatus[tender.SourcePortal]
	assert.Equal(t, 50, stA.RecordCount)
	assert.Equal(t, 30, stB.RecordCount)
	assert.Empty(t, stA.FailedPartitions)
	assert.Empty(t, stB.FailedPartitions)
	assert.True(t, stC.Succeeded)
	assert.Equal(t, tender.KindTimeout, stC.ErrorKind)
	assert.Equal(t, map[string]tender.ErrorKind{"SP:8": tender.KindTimeout}, stC.FailedPartitions)

	shared := 0
	for _, r := range res.Records {
		if len(r.Sources) == 2 {
			shared++
			assert.Equal(t, []tender.SourceID{tender.SourcePNCP, tender.SourceComprasGov}, r.Sources)
			assert.Equal(t, tender.SourcePNCP, r.Record.Source, "higher-priority source wins")
		}
	}
	assert.Equal(t, 10, shared)
}

func TestConsolidate_OpenCircuitSkipsSource(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }

	reg := health.NewRegistry(health.WithClock(clock), health.WithGrace(time.Second))
	c := httpClient(t, tender.SourcePNCP, 1, srv.URL,
		source.WithBreakerOptions(
			connectivity.WithBreakerThreshold(1),
			connectivity.WithBreakerClock(clock),
			connectivity.WithBreakerTransitions(reg.ObserveTransition),
		))
	svc, err := New(reg, []Fetcher{c}, WithChain(testChain))
	require.NoError(t, err)
	defer svc.Close()

	q := testQuery("SP")
	q.Sources = []tender.SourceID{tender.SourcePNCP}
	_, err = svc.Consolidate(context.Background(), "alice", q)
	require.Error(t, err)
	assert.EqualValues(t, 1, hits.Load())

	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()
	reg.Refresh()

	res, err := svc.Consolidate(context.Background(), "alice", q)
	var all *AllSourcesFailedError
	require.True(t, errors.As(err, &all))
	assert.Equal(t, tender.KindSkipped, res.PerSourceStatus[tender.SourcePNCP].ErrorKind)
	assert.Equal(t, "circuit open", res.PerSourceStatus[tender.SourcePNCP].Reason)
	assert.EqualValues(t, 1, hits.Load(), "skipped source sees no traffic")
}
