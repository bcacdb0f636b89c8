package cache

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hazyhaar/licita/tender"
)

// Manager classifies, retains and evicts cached results. Access statistics
// live in an in-memory index guarded by one mutex, so concurrent reads of a
// key never lose an increment; entry bodies live in the fast tier and, when
// configured, the durable tier.
type Manager struct {
	mu    sync.Mutex
	index map[string]*Entry // metadata only, Result is nil

	fast    Store
	durable Store
	policy  Policy
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithFastStore replaces the default in-memory fast tier.
func WithFastStore(s Store) Option { return func(m *Manager) { m.fast = s } }

// WithDurableStore adds a durable tier (SQLite or PostgreSQL).
func WithDurableStore(s Store) Option { return func(m *Manager) { m.durable = s } }

// WithPolicy sets classification and retention parameters.
func WithPolicy(p Policy) Option { return func(m *Manager) { m.policy = p } }

// WithClock sets the time source (for testing).
func WithClock(fn func() time.Time) Option { return func(m *Manager) { m.now = fn } }

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// NewManager creates a manager with an in-memory fast tier and no durable
// tier unless configured otherwise.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		index:  make(map[string]*Entry),
		policy: DefaultPolicy(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.fast == nil {
		ms := NewMemoryStore()
		ms.now = m.now
		m.fast = ms
	}
	return m
}

// Hit is a cache read.
type Hit struct {
	Result   *tender.ConsolidationResult
	Age      time.Duration
	Priority Priority
	// Fresh is true while the entry is within its fast-tier TTL.
	Fresh bool
}

// fastRetention is how long the fast tier keeps an entry. Without a durable
// tier the fast tier must hold entries for the full durable TTL so stale
// fallback keeps working.
func (m *Manager) fastRetention(p Priority) time.Duration {
	if m.durable == nil {
		return m.policy.TTL(p).Durable
	}
	return m.policy.TTL(p).Fast
}

func (m *Manager) expired(e *Entry, now time.Time) bool {
	return now.Sub(e.FetchedAt) >= m.policy.TTL(e.Priority).Durable
}

// Put stores a live result for caller. Access statistics of an existing key
// are kept; a saved query stays saved. Exceeding the caller's capacity
// evicts Cold, then Warm, then Hot entries, oldest first.
func (m *Manager) Put(ctx context.Context, caller string, q tender.Query, res *tender.ConsolidationResult) error {
	if res == nil {
		return errors.New("cache: nil result")
	}
	now := m.now()
	key := StoreKey(caller, q.Key())

	m.mu.Lock()
	meta, ok := m.index[key]
	if !ok {
		meta = &Entry{Key: key, Caller: caller}
		m.index[key] = meta
	}
	meta.Query = q
	meta.Saved = meta.Saved || q.Saved
	meta.FetchedAt = now
	meta.Priority = m.policy.Classify(*meta, now)
	entry := *meta
	victims := m.victimsLocked(caller, now)
	m.mu.Unlock()

	entry.Result = res
	if err := m.write(ctx, &entry, now); err != nil {
		return err
	}
	for _, v := range victims {
		m.logger.Debug("cache eviction",
			"caller", caller,
			"key", v.Key,
			"priority", v.Priority.String())
		m.drop(ctx, v.Key)
	}
	return nil
}

// victimsLocked picks entries to evict so caller is back within capacity.
// Must be called with mu held; victims are removed from the index.
func (m *Manager) victimsLocked(caller string, now time.Time) []Entry {
	if m.policy.Capacity <= 0 {
		return nil
	}
	var mine []*Entry
	for _, e := range m.index {
		if e.Caller == caller {
			mine = append(mine, e)
		}
	}
	excess := len(mine) - m.policy.Capacity
	if excess <= 0 {
		return nil
	}
	for _, e := range mine {
		e.Priority = m.policy.Classify(*e, now)
	}
	slices.SortFunc(mine, func(a, b *Entry) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		if c := a.FetchedAt.Compare(b.FetchedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	victims := make([]Entry, 0, excess)
	for _, e := range mine[:excess] {
		victims = append(victims, *e)
		delete(m.index, e.Key)
	}
	return victims
}

// write stores e in both tiers with TTLs counted from FetchedAt. A tier
// whose retention has already lapsed is skipped.
func (m *Manager) write(ctx context.Context, e *Entry, now time.Time) error {
	age := now.Sub(e.FetchedAt)
	if ttl := m.fastRetention(e.Priority) - age; ttl > 0 {
		if err := m.fast.Set(ctx, e.Key, e, ttl); err != nil {
			return err
		}
	}
	if m.durable != nil {
		if ttl := m.policy.TTL(e.Priority).Durable - age; ttl > 0 {
			if err := m.durable.Set(ctx, e.Key, e, ttl); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) drop(ctx context.Context, key string) {
	if err := m.fast.Delete(ctx, key); err != nil {
		m.logger.Warn("cache: fast delete failed", "key", key, "error", err)
	}
	if m.durable != nil {
		if err := m.durable.Delete(ctx, key); err != nil {
			m.logger.Warn("cache: durable delete failed", "key", key, "error", err)
		}
	}
}

// touch records one access to key and returns the updated metadata. The
// second result reports whether the class changed.
func (m *Manager) touch(ctx context.Context, key string, now time.Time) (Entry, bool, bool) {
	m.mu.Lock()
	meta, ok := m.index[key]
	if ok && m.expired(meta, now) {
		delete(m.index, key)
		m.mu.Unlock()
		m.drop(ctx, key)
		return Entry{}, false, false
	}
	if ok {
		before := meta.Priority
		m.policy.recordAccess(meta, now)
		out := *meta
		m.mu.Unlock()
		return out, out.Priority != before, true
	}
	m.mu.Unlock()

	// Not indexed: an entry persisted by an earlier process.
	if m.durable == nil {
		return Entry{}, false, false
	}
	stored, err := m.durable.Get(ctx, key)
	if err != nil {
		return Entry{}, false, false
	}
	stored.Result = nil

	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok = m.index[key]
	if !ok {
		meta = stored
		m.index[key] = meta
	}
	before := meta.Priority
	m.policy.recordAccess(meta, now)
	return *meta, meta.Priority != before, true
}

// load reads the body of key from the fast tier, then the durable tier,
// promoting durable hits.
func (m *Manager) load(ctx context.Context, meta Entry, now time.Time) (*tender.ConsolidationResult, bool) {
	if e, err := m.fast.Get(ctx, meta.Key); err == nil {
		return e.Result, true
	}
	if m.durable == nil {
		return nil, false
	}
	e, err := m.durable.Get(ctx, meta.Key)
	if err != nil {
		return nil, false
	}
	if ttl := m.fastRetention(meta.Priority) - now.Sub(meta.FetchedAt); ttl > 0 {
		meta.Result = e.Result
		if err := m.fast.Set(ctx, meta.Key, &meta, ttl); err != nil {
			m.logger.Warn("cache: promote failed", "key", meta.Key, "error", err)
		}
	}
	return e.Result, true
}

func (m *Manager) read(ctx context.Context, caller, queryKey string) (Hit, bool) {
	now := m.now()
	key := StoreKey(caller, queryKey)
	meta, reclassified, ok := m.touch(ctx, key, now)
	if !ok {
		return Hit{}, false
	}
	res, ok := m.load(ctx, meta, now)
	if !ok {
		return Hit{}, false
	}
	if reclassified {
		meta.Result = res
		if err := m.write(ctx, &meta, now); err != nil {
			m.logger.Warn("cache: reclassify write failed", "key", key, "error", err)
		}
	}
	age := now.Sub(meta.FetchedAt)
	return Hit{
		Result:   res,
		Age:      age,
		Priority: meta.Priority,
		Fresh:    age < m.policy.TTL(meta.Priority).Fast,
	}, true
}

// Get returns the entry for (caller, queryKey) if it is still within its
// fast-tier TTL. Only a fresh hit counts as an access; a caller that falls
// back to GetStaleIfAvailable after a miss records a single access.
func (m *Manager) Get(ctx context.Context, caller, queryKey string) (Hit, bool) {
	if !m.freshAfterAccess(ctx, StoreKey(caller, queryKey), m.now()) {
		return Hit{}, false
	}
	hit, ok := m.read(ctx, caller, queryKey)
	if !ok || !hit.Fresh {
		return Hit{}, false
	}
	return hit, true
}

// freshAfterAccess reports whether key would be within its fast-tier TTL
// once this access is recorded, without recording it.
func (m *Manager) freshAfterAccess(ctx context.Context, key string, now time.Time) bool {
	m.mu.Lock()
	var peek Entry
	meta, ok := m.index[key]
	if ok {
		peek = *meta
	}
	m.mu.Unlock()
	if !ok {
		if m.durable == nil {
			return false
		}
		stored, err := m.durable.Get(ctx, key)
		if err != nil {
			return false
		}
		peek = *stored
	}
	if m.expired(&peek, now) {
		return false
	}
	m.policy.recordAccess(&peek, now)
	return now.Sub(peek.FetchedAt) < m.policy.TTL(peek.Priority).Fast
}

// GetStaleIfAvailable returns the entry regardless of fast-tier freshness,
// as long as it is within its durable TTL.
func (m *Manager) GetStaleIfAvailable(ctx context.Context, caller, queryKey string) (*tender.ConsolidationResult, time.Duration, bool) {
	hit, ok := m.read(ctx, caller, queryKey)
	if !ok {
		return nil, 0, false
	}
	return hit.Result, hit.Age, true
}

// Lookup returns the metadata of (caller, queryKey) classified at now,
// without counting an access.
func (m *Manager) Lookup(caller, queryKey string) (Entry, bool) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.index[StoreKey(caller, queryKey)]
	if !ok || m.expired(meta, now) {
		return Entry{}, false
	}
	out := *meta
	out.Priority = m.policy.Classify(out, now)
	return out, true
}

// Distribution counts current entries per class.
type Distribution struct {
	Hot   int `json:"hot"`
	Warm  int `json:"warm"`
	Cold  int `json:"cold"`
	Total int `json:"total"`
}

// Distribution classifies every unexpired entry at now. Entries untouched
// for longer than the window fall back to Cold here.
func (m *Manager) Distribution() Distribution {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var d Distribution
	for _, e := range m.index {
		if m.expired(e, now) {
			continue
		}
		e.Priority = m.policy.Classify(*e, now)
		switch e.Priority {
		case Hot:
			d.Hot++
		case Warm:
			d.Warm++
		default:
			d.Cold++
		}
		d.Total++
	}
	return d
}

// RefreshCandidates returns Hot entries whose fast-tier TTL has lapsed,
// oldest first. Callers re-run their queries to keep them fresh.
func (m *Manager) RefreshCandidates() []Entry {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.index {
		if m.expired(e, now) {
			continue
		}
		if m.policy.Classify(*e, now) != Hot {
			continue
		}
		if now.Sub(e.FetchedAt) >= m.policy.TTL(Hot).Fast {
			out = append(out, *e)
		}
	}
	slices.SortFunc(out, func(a, b Entry) int { return a.FetchedAt.Compare(b.FetchedAt) })
	return out
}

// Sweep drops entries past their durable TTL and returns how many.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.now()
	m.mu.Lock()
	var gone []string
	for k, e := range m.index {
		if m.expired(e, now) {
			gone = append(gone, k)
			delete(m.index, k)
		}
	}
	m.mu.Unlock()
	for _, k := range gone {
		m.drop(ctx, k)
	}
	return len(gone)
}

// Warmup indexes Hot and Warm entries persisted in the durable tier by a
// previous process. Cold entries are indexed lazily on first read.
func (m *Manager) Warmup(ctx context.Context) (int, error) {
	if m.durable == nil {
		return 0, nil
	}
	n := 0
	for _, p := range []Priority{Hot, Warm} {
		keys, err := m.durable.ListByPriority(ctx, p)
		if err != nil {
			return n, err
		}
		for _, k := range keys {
			e, err := m.durable.Get(ctx, k)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return n, err
			}
			e.Result = nil
			m.mu.Lock()
			if _, ok := m.index[k]; !ok {
				m.index[k] = e
				n++
			}
			m.mu.Unlock()
		}
	}
	m.logger.Info("cache warmup complete", "entries", n)
	return n, nil
}
