// Package health keeps the process-wide view of which sources may be
// fetched. Readers get a copy-on-write snapshot; writers (breaker
// transitions, probes, overrides) rebuild it under a single mutex.
package health

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/licita/connectivity"
	"github.com/hazyhaar/licita/source"
	"github.com/hazyhaar/licita/tender"
)

// defaultRecovery matches the breaker's own default reset timeout.
const defaultRecovery = 30 * time.Second

// Skip reasons reported by Eligible and IsEligible. Overrides report
// "override: " followed by the operator's reason.
const (
	ReasonDisabled      = "disabled"
	ReasonNoCredentials = "missing credentials"
	ReasonUnknown       = "unknown source"
	ReasonCircuitOpen   = "circuit open"
)

// RuntimeSkip reports whether reason excludes a source because of its
// current health rather than its configuration. Only runtime skips make a
// result partial.
func RuntimeSkip(reason string) bool { return reason == ReasonCircuitOpen }

// Member is what the registry needs from a source client.
type Member interface {
	ID() tender.SourceID
	Config() source.Config
	Breaker() *connectivity.CircuitBreaker
	Probe(ctx context.Context) error
}

// SourceHealth is the reported state of one source.
type SourceHealth struct {
	Source              tender.SourceID           `json:"source"`
	Available           bool                      `json:"available"`
	CircuitState        connectivity.BreakerState `json:"circuit_state"`
	LastSuccessAt       time.Time                 `json:"last_success_at,omitzero"`
	ConsecutiveFailures int                       `json:"consecutive_failures"`
	OpenedAt            time.Time                 `json:"opened_at,omitzero"`
	Enabled             bool                      `json:"enabled"`
	HasCredentials      bool                      `json:"has_credentials"`
	LastProbeAt         time.Time                 `json:"last_probe_at,omitzero"`
	LastProbeError      string                    `json:"last_probe_error,omitempty"`
	Reason              string                    `json:"reason,omitempty"`

	priority        int
	recoveryTimeout time.Duration
	overridden      bool
	breaker         *connectivity.CircuitBreaker
}

// Override disables a source at runtime.
type Override struct {
	Source   tender.SourceID `json:"source"`
	Disabled bool            `json:"disabled"`
	Reason   string          `json:"reason,omitempty"`
}

type snapshot struct {
	entries map[tender.SourceID]SourceHealth
}

type probeResult struct {
	at  time.Time
	err string
}

// Registry is safe for concurrent use.
type Registry struct {
	mu        sync.Mutex // serializes snapshot rebuilds
	members   map[tender.SourceID]Member
	overrides map[tender.SourceID]Override
	probes    map[tender.SourceID]probeResult
	snap      atomic.Pointer[snapshot]

	grace  time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithGrace sets how long an open circuit is tolerated before the source is
// excluded from requests. Default 5s.
func WithGrace(d time.Duration) Option { return func(r *Registry) { r.grace = d } }

// WithClock sets the time source (for testing).
func WithClock(fn func() time.Time) Option { return func(r *Registry) { r.now = fn } }

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		members:   make(map[tender.SourceID]Member),
		overrides: make(map[tender.SourceID]Override),
		probes:    make(map[tender.SourceID]probeResult),
		grace:     5 * time.Second,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	r.snap.Store(&snapshot{entries: map[tender.SourceID]SourceHealth{}})
	return r
}

// Register adds or replaces a member and publishes a new snapshot.
func (r *Registry) Register(m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[m.ID()] = m
	r.rebuildLocked()
}

// Members returns the registered members in priority order.
func (r *Registry) Members() []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b Member) int {
		if d := a.Config().Priority - b.Config().Priority; d != 0 {
			return d
		}
		return compareID(a.ID(), b.ID())
	})
	return out
}

// Member returns the registered member for id.
func (r *Registry) Member(id tender.SourceID) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	return m, ok
}

// ObserveTransition is a connectivity.TransitionFunc. Pass it to every
// member's breaker so the snapshot follows state changes.
func (r *Registry) ObserveTransition(src string, from, to connectivity.BreakerState) {
	r.logger.Warn("circuit breaker transition",
		"source", src,
		"from", from.String(),
		"to", to.String())
	r.Refresh()
}

// Refresh rereads every breaker and publishes a new snapshot.
func (r *Registry) Refresh() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rebuildLocked()
}

// ApplyOverrides replaces the override set.
func (r *Registry) ApplyOverrides(list []Override) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides = make(map[tender.SourceID]Override, len(list))
	for _, o := range list {
		r.overrides[o.Source] = o
	}
	r.rebuildLocked()
}

func (r *Registry) recordProbe(id tender.SourceID, at time.Time, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := probeResult{at: at}
	if err != nil {
		res.err = err.Error()
	}
	r.probes[id] = res
	r.rebuildLocked()
}

// rebuildLocked must be called with mu held. Breaker snapshots are taken
// under each breaker's own lock.
func (r *Registry) rebuildLocked() {
	entries := make(map[tender.SourceID]SourceHealth, len(r.members))
	for id, m := range r.members {
		cfg := m.Config()
		bs := m.Breaker().Snapshot()
		h := SourceHealth{
			Source:              id,
			CircuitState:        bs.State,
			LastSuccessAt:       bs.LastSuccessAt,
			ConsecutiveFailures: bs.ConsecutiveFailures,
			OpenedAt:            bs.OpenedAt,
			Enabled:             cfg.Enabled,
			HasCredentials:      cfg.HasCredentials(),
			priority:            cfg.Priority,
			recoveryTimeout:     cfg.RecoveryTimeout,
			breaker:             m.Breaker(),
		}
		if h.recoveryTimeout <= 0 {
			h.recoveryTimeout = defaultRecovery
		}
		if o, ok := r.overrides[id]; ok && o.Disabled {
			h.overridden = true
			h.Reason = "override: " + o.Reason
		}
		if p, ok := r.probes[id]; ok {
			h.LastProbeAt = p.at
			h.LastProbeError = p.err
		}
		entries[id] = h
	}
	r.snap.Store(&snapshot{entries: entries})
}

// evaluate decides eligibility of h at now.
func (r *Registry) evaluate(h SourceHealth, now time.Time) (bool, string) {
	switch {
	case !h.Enabled:
		return false, ReasonDisabled
	case !h.HasCredentials:
		return false, ReasonNoCredentials
	case h.overridden:
		return false, h.Reason
	}
	if h.CircuitState == connectivity.BreakerOpen {
		open := now.Sub(h.OpenedAt)
		recoveryDue := open >= h.recoveryTimeout
		if open > r.grace && !recoveryDue {
			return false, ReasonCircuitOpen
		}
	}
	return true, ""
}

// IsEligible reports whether id may be fetched now, and why not otherwise.
// Unknown sources are never eligible.
func (r *Registry) IsEligible(id tender.SourceID) (bool, string) {
	h, ok := r.snap.Load().entries[id]
	if !ok {
		return false, ReasonUnknown
	}
	return r.evaluate(h, r.now())
}

// Eligible partitions ids into eligible sources and skipped ones with their
// reason. It reads one snapshot, so a request sees a consistent view.
func (r *Registry) Eligible(ids []tender.SourceID) ([]tender.SourceID, map[tender.SourceID]string) {
	snap := r.snap.Load()
	now := r.now()
	var ok []tender.SourceID
	skipped := make(map[tender.SourceID]string)
	for _, id := range ids {
		h, found := snap.entries[id]
		if !found {
			skipped[id] = ReasonUnknown
			continue
		}
		if eligible, reason := r.evaluate(h, now); eligible {
			ok = append(ok, id)
		} else {
			skipped[id] = reason
		}
	}
	return ok, skipped
}

// Snapshot returns every source's health in priority order. Breaker
// counters are read live; failures below the threshold and successes do
// not trigger a rebuild.
func (r *Registry) Snapshot() []SourceHealth {
	snap := r.snap.Load()
	now := r.now()
	out := make([]SourceHealth, 0, len(snap.entries))
	for _, h := range snap.entries {
		if h.breaker != nil {
			bs := h.breaker.Snapshot()
			h.CircuitState = bs.State
			h.LastSuccessAt = bs.LastSuccessAt
			h.ConsecutiveFailures = bs.ConsecutiveFailures
			h.OpenedAt = bs.OpenedAt
		}
		h.Available, h.Reason = r.evaluate(h, now)
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b SourceHealth) int {
		if d := a.priority - b.priority; d != 0 {
			return d
		}
		return compareID(a.Source, b.Source)
	})
	return out
}

func compareID(a, b tender.SourceID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
