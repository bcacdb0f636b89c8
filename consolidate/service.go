// Package consolidate orchestrates one search across every eligible source:
// it fans out (source × partition) fetches under per-source worker pools and
// nested timeout scopes, folds partial failures into per-source status,
// deduplicates overlapping records and falls back to the cache only when no
// source produced usable data.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/hazyhaar/licita/cache"
	"github.com/hazyhaar/licita/connectivity"
	"github.com/hazyhaar/licita/health"
	"github.com/hazyhaar/licita/idgen"
	"github.com/hazyhaar/licita/kit"
	"github.com/hazyhaar/licita/observability"
	"github.com/hazyhaar/licita/tender"
	"github.com/hazyhaar/licita/timeouts"
)

// DefaultWorkers bounds concurrent region tasks per source when the source
// configuration leaves it unset.
const DefaultWorkers = 4

// reasonNoFetcher marks a registered source this service cannot fetch.
const reasonNoFetcher = "no fetcher"

// Fetcher is one source as the service sees it. *source.Client satisfies it.
type Fetcher interface {
	health.Member
	FetchAll(ctx context.Context, p tender.Partition, w tender.Window) ([]tender.RawRecord, error)
	Close()
}

// AllSourcesFailedError is returned when no eligible source produced usable
// data and no cache entry could stand in.
type AllSourcesFailedError struct {
	RequestID string
	Statuses  map[tender.SourceID]*tender.SourceStatus
}

func (e *AllSourcesFailedError) Error() string {
	return fmt.Sprintf("consolidate: request %s: all sources failed (%d attempted or skipped)", e.RequestID, len(e.Statuses))
}

// Service is the consolidation engine. It is safe for concurrent use.
type Service struct {
	fetchers map[tender.SourceID]Fetcher
	pools    map[tender.SourceID]*semaphore.Weighted
	registry *health.Registry
	cache    *cache.Manager
	chain    timeouts.Chain
	metrics  *observability.MetricsManager
	newID    idgen.Generator
	logger   *slog.Logger
	now      func() time.Time

	evMu    sync.RWMutex
	events  chan observability.Event
	closed  bool
	dropped atomic.Int64
}

// Option configures a Service.
type Option func(*Service)

// WithCache enables fresh-hit serving, result caching and stale fallback.
func WithCache(m *cache.Manager) Option { return func(s *Service) { s.cache = m } }

// WithChain sets the timeout budgets. Callers validate them first with
// timeouts.Resolve.
func WithChain(c timeouts.Chain) Option { return func(s *Service) { s.chain = c } }

// WithMetrics records partition and search metrics.
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(s *Service) { s.metrics = mm }
}

// WithEventBuffer sets the capacity of the outbound event channel. Default 256.
func WithEventBuffer(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.events = make(chan observability.Event, n)
		}
	}
}

// WithIDGenerator sets the request ID generator. Default UUIDv7.
func WithIDGenerator(gen idgen.Generator) Option { return func(s *Service) { s.newID = gen } }

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock sets the time source for elapsed times and event timestamps.
func WithClock(fn func() time.Time) Option { return func(s *Service) { s.now = fn } }

// New builds a Service over fetchers. Fetchers not yet known to registry
// are registered on it.
func New(registry *health.Registry, fetchers []Fetcher, opts ...Option) (*Service, error) {
	if registry == nil {
		return nil, errors.New("consolidate: registry is required")
	}
	s := &Service{
		fetchers: make(map[tender.SourceID]Fetcher, len(fetchers)),
		pools:    make(map[tender.SourceID]*semaphore.Weighted, len(fetchers)),
		registry: registry,
		chain:    timeouts.DefaultChain(),
		newID:    idgen.Default,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.events == nil {
		s.events = make(chan observability.Event, 256)
	}

	for _, f := range fetchers {
		id := f.ID()
		if _, dup := s.fetchers[id]; dup {
			return nil, fmt.Errorf("consolidate: duplicate source %q", id)
		}
		workers := f.Config().Workers
		if workers <= 0 {
			workers = DefaultWorkers
		}
		s.fetchers[id] = f
		s.pools[id] = semaphore.NewWeighted(int64(workers))
		if _, ok := registry.Member(id); !ok {
			registry.Register(f)
		}
	}
	return s, nil
}

// Events is the outbound event stream. It is closed by Close.
func (s *Service) Events() <-chan observability.Event { return s.events }

// DroppedEvents counts events discarded because the channel was full.
func (s *Service) DroppedEvents() int64 { return s.dropped.Load() }

// Registry returns the health registry the service consults.
func (s *Service) Registry() *health.Registry { return s.registry }

// Cache returns the cache manager, or nil when caching is disabled.
func (s *Service) Cache() *cache.Manager { return s.cache }

// Chain returns the timeout budgets in force.
func (s *Service) Chain() timeouts.Chain { return s.chain }

// emit never blocks: a full channel drops the event.
func (s *Service) emit(e observability.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	s.evMu.RLock()
	defer s.evMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- e:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			s.logger.Warn("engine event dropped", "type", string(e.Type), "dropped_total", n)
		}
	}
}

// ObserveTransition forwards a breaker state change to the event stream.
// Pass it to connectivity.WithBreakerTransitions alongside the registry's.
func (s *Service) ObserveTransition(src string, from, to connectivity.BreakerState) {
	s.emit(observability.Event{
		Type:   observability.EventBreakerTransition,
		Source: tender.SourceID(src),
		From:   from.String(),
		To:     to.String(),
	})
}

// Close stops event emission, closes the event channel and releases every
// fetcher. It is idempotent.
func (s *Service) Close() error {
	s.evMu.Lock()
	if s.closed {
		s.evMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.events)
	s.evMu.Unlock()

	for _, f := range s.fetchers {
		f.Close()
	}
	return nil
}

// Consolidate runs q for caller. See ConsolidateWithProgress.
func (s *Service) Consolidate(ctx context.Context, caller string, q tender.Query) (*tender.ConsolidationResult, error) {
	return s.ConsolidateWithProgress(ctx, caller, q, nil)
}

// ConsolidateWithProgress runs q for caller and reports each finished
// partition and source to progress, which may be nil. Calls to progress are
// serialized.
//
// A fresh cache entry is served as is, labelled Cached. Otherwise every
// eligible source is fetched live. When no source produced usable data the
// freshest cache entry within its durable TTL is served instead; when there
// is none, the result has Degraded set and is returned together with an
// *AllSourcesFailedError.
func (s *Service) ConsolidateWithProgress(ctx context.Context, caller string, q tender.Query, progress ProgressFunc) (*tender.ConsolidationResult, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}
	return s.run(ctx, caller, q, progress, true)
}

func (s *Service) requestID(ctx context.Context) string {
	if id := kit.GetRequestID(ctx); id != "" {
		return id
	}
	return s.newID()
}

func (s *Service) run(ctx context.Context, caller string, q tender.Query, progress ProgressFunc, useCache bool) (*tender.ConsolidationResult, error) {
	start := s.now()
	reqID := s.requestID(ctx)
	logger := s.logger.With("request_id", reqID, "caller", caller)

	if useCache && s.cache != nil {
		if hit, ok := s.cache.Get(ctx, caller, q.Key()); ok {
			res := hit.Result
			res.RequestID = reqID
			res.Cached = true
			res.CacheAgeMs = hit.Age.Milliseconds()
			res.ElapsedMs = s.now().Sub(start).Milliseconds()
			logger.DebugContext(ctx, "served fresh cache entry",
				"age_ms", res.CacheAgeMs,
				"priority", hit.Priority.String())
			return res, nil
		}
	}

	gctx, cancel := s.chain.Scope(ctx, timeouts.Global)
	defer cancel()

	statuses := make(map[tender.SourceID]*tender.SourceStatus, len(q.Sources))
	eligible, skipped := s.registry.Eligible(q.Sources)
	var fetchable []Fetcher
	for _, id := range eligible {
		if f, ok := s.fetchers[id]; ok {
			fetchable = append(fetchable, f)
		} else {
			skipped[id] = reasonNoFetcher
		}
	}
	// Sources excluded by configuration are reported but do not make the
	// result partial.
	configSkipped := make(map[tender.SourceID]bool, len(skipped))
	for id, reason := range skipped {
		statuses[id] = &tender.SourceStatus{ErrorKind: tender.KindSkipped, Reason: reason}
		if !health.RuntimeSkip(reason) && reason != reasonNoFetcher {
			configSkipped[id] = true
		}
		logger.InfoContext(ctx, "source skipped", "source", string(id), "reason", reason)
		s.emit(observability.Event{
			Type:      observability.EventSourceSkipped,
			RequestID: reqID,
			Source:    id,
			Kind:      tender.KindSkipped,
			Detail:    reason,
		})
	}

	report := serialize(progress)
	perSource := make(map[tender.SourceID][]tender.RawRecord, len(fetchable))
	var mu sync.Mutex
	var g errgroup.Group
	for _, f := range fetchable {
		id := f.ID()
		g.Go(func() error {
			st, recs := s.fetchSource(gctx, reqID, f, q, report, logger)
			mu.Lock()
			statuses[id] = st
			perSource[id] = recs
			mu.Unlock()
			report(Progress{Type: ProgressSource, Source: id, Records: st.RecordCount, Kind: st.ErrorKind, ElapsedMs: st.ElapsedMs, Status: st})
			return nil
		})
	}
	_ = g.Wait()

	partial := false
	usable := false
	total := 0
	for id, st := range statuses {
		if configSkipped[id] {
			continue
		}
		if !st.Succeeded || len(st.FailedPartitions) > 0 {
			partial = true
		}
		if st.Succeeded {
			usable = true
		}
		total += st.RecordCount
	}
	if total > 0 {
		usable = true
	}

	if !usable {
		return s.fallback(ctx, caller, q, reqID, start, statuses, logger, useCache)
	}

	var all []tender.RawRecord
	for _, recs := range perSource {
		all = append(all, recs...)
	}
	res := &tender.ConsolidationResult{
		RequestID:       reqID,
		Records:         Deduplicate(all, s.priorityOrder()),
		IsPartial:       partial,
		PerSourceStatus: statuses,
		GeneratedAt:     s.now(),
	}
	res.ElapsedMs = s.now().Sub(start).Milliseconds()

	if s.cache != nil {
		if err := s.cache.Put(ctx, caller, q, res.Clone()); err != nil {
			logger.WarnContext(ctx, "cache put failed", "error", err)
		}
	}
	s.metrics.RecordSource(observability.MetricSearchDurationMs, "", float64(res.ElapsedMs), "milliseconds")
	s.metrics.RecordSource(observability.MetricSearchRecords, "", float64(len(res.Records)), "count")
	s.emit(observability.Event{
		Type:      observability.EventSearchCompleted,
		RequestID: reqID,
		Detail:    fmt.Sprintf("records=%d partial=%t", len(res.Records), res.IsPartial),
		Duration:  time.Duration(res.ElapsedMs) * time.Millisecond,
	})
	logger.InfoContext(ctx, "search completed",
		"records", len(res.Records),
		"raw_records", len(all),
		"is_partial", res.IsPartial,
		"duration_ms", res.ElapsedMs)
	return res, nil
}

// fallback handles a request where no source produced usable data. Hot
// refreshes pass useCache=false so a stale entry is never re-stored as live.
func (s *Service) fallback(ctx context.Context, caller string, q tender.Query, reqID string, start time.Time,
	statuses map[tender.SourceID]*tender.SourceStatus, logger *slog.Logger, useCache bool) (*tender.ConsolidationResult, error) {

	s.emit(observability.Event{
		Type:      observability.EventAllSourcesFailed,
		RequestID: reqID,
		Detail:    fmt.Sprintf("sources=%d", len(statuses)),
	})

	if useCache && s.cache != nil {
		if stale, age, ok := s.cache.GetStaleIfAvailable(ctx, caller, q.Key()); ok {
			stale.RequestID = reqID
			stale.Cached = true
			stale.CacheAgeMs = age.Milliseconds()
			stale.IsPartial = true
			stale.Degraded = false
			stale.PerSourceStatus = statuses
			stale.ElapsedMs = s.now().Sub(start).Milliseconds()
			s.metrics.RecordSource(observability.MetricCacheFallback, "", 1, "count")
			s.emit(observability.Event{
				Type:      observability.EventCacheFallback,
				RequestID: reqID,
				Detail:    fmt.Sprintf("records=%d", len(stale.Records)),
				Duration:  age,
			})
			logger.WarnContext(ctx, "all sources failed, serving cached result",
				"cache_age_ms", stale.CacheAgeMs,
				"records", len(stale.Records))
			return stale, nil
		}
	}

	res := &tender.ConsolidationResult{
		RequestID:       reqID,
		Records:         []tender.ConsolidatedRecord{},
		IsPartial:       true,
		Degraded:        true,
		PerSourceStatus: statuses,
		GeneratedAt:     s.now(),
	}
	res.ElapsedMs = s.now().Sub(start).Milliseconds()
	logger.ErrorContext(ctx, "all sources failed, no cache entry", "sources", len(statuses))
	return res, &AllSourcesFailedError{RequestID: reqID, Statuses: statuses}
}

// priorityOrder lists registered sources, most authoritative first.
func (s *Service) priorityOrder() []tender.SourceID {
	members := s.registry.Members()
	out := make([]tender.SourceID, 0, len(members))
	for _, m := range members {
		out = append(out, m.ID())
	}
	return out
}
