// Package timeouts defines the nested timeout budgets of a search request
// and validates their ordering at startup.
//
// Levels, outer to inner: global > source > region > modality > page. Each
// level is a context scope derived from its parent, so expiry cancels the
// level and everything beneath it while siblings and ancestors keep running.
package timeouts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Level names one scope of the chain.
type Level int

const (
	Global Level = iota
	Source
	Region
	Modality
	Page
)

var levelNames = [...]string{"global", "source", "region", "modality", "page"}

func (l Level) String() string {
	if l < Global || l > Page {
		return "unknown"
	}
	return levelNames[l]
}

// DefaultMinMargin is the required gap between adjacent levels, as a
// fraction of the inner budget.
const DefaultMinMargin = 0.30

// Chain holds one budget per level.
type Chain struct {
	Global   time.Duration `yaml:"global" json:"global"`
	Source   time.Duration `yaml:"source" json:"source"`
	Region   time.Duration `yaml:"region" json:"region"`
	Modality time.Duration `yaml:"modality" json:"modality"`
	Page     time.Duration `yaml:"page" json:"page"`
	// MinMargin defaults to DefaultMinMargin when zero.
	MinMargin float64 `yaml:"min_margin" json:"min_margin"`
}

// DefaultChain returns the known-safe budgets: 100s > 70s > 45s > 30s > 15s.
func DefaultChain() Chain {
	return Chain{
		Global:    100 * time.Second,
		Source:    70 * time.Second,
		Region:    45 * time.Second,
		Modality:  30 * time.Second,
		Page:      15 * time.Second,
		MinMargin: DefaultMinMargin,
	}
}

// Budget returns the duration of level l.
func (c Chain) Budget(l Level) time.Duration {
	switch l {
	case Global:
		return c.Global
	case Source:
		return c.Source
	case Region:
		return c.Region
	case Modality:
		return c.Modality
	case Page:
		return c.Page
	}
	return 0
}

func (c Chain) margin() float64 {
	if c.MinMargin <= 0 {
		return DefaultMinMargin
	}
	return c.MinMargin
}

// ErrBudgetOrder reports an adjacent pair that is not strictly nested with
// the required margin, or a non-positive budget (Outer == Inner).
type ErrBudgetOrder struct {
	Outer, Inner             Level
	OuterBudget, InnerBudget time.Duration
	MinMargin                float64
}

func (e *ErrBudgetOrder) Error() string {
	if e.Outer == e.Inner {
		return fmt.Sprintf("timeouts: %s budget must be positive, got %s", e.Outer, e.OuterBudget)
	}
	return fmt.Sprintf("timeouts: %s budget %s must exceed %s budget %s by at least %.0f%%",
		e.Outer, e.OuterBudget, e.Inner, e.InnerBudget, e.MinMargin*100)
}

// Validate checks that every budget is positive and every adjacent pair
// satisfies outer >= inner * (1 + MinMargin).
func (c Chain) Validate() error {
	m := c.margin()
	for l := Global; l <= Page; l++ {
		if c.Budget(l) <= 0 {
			return &ErrBudgetOrder{Outer: l, Inner: l, OuterBudget: c.Budget(l), MinMargin: m}
		}
	}
	for outer := Global; outer < Page; outer++ {
		inner := outer + 1
		ob, ib := c.Budget(outer), c.Budget(inner)
		if float64(ob) < float64(ib)*(1+m) {
			return &ErrBudgetOrder{Outer: outer, Inner: inner, OuterBudget: ob, InnerBudget: ib, MinMargin: m}
		}
	}
	return nil
}

// Resolve returns candidate when it validates. Otherwise it logs a critical
// error and returns fallback, or DefaultChain if fallback is invalid too.
// The validation error is returned alongside the chain actually in force.
func Resolve(candidate, fallback Chain, logger *slog.Logger) (Chain, error) {
	err := candidate.Validate()
	if err == nil {
		return candidate, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	effective := fallback
	if fallback.Validate() != nil {
		effective = DefaultChain()
	}
	logger.Error("timeout chain rejected, using safe defaults",
		"critical", true,
		"error", err,
		"global", effective.Global,
		"source", effective.Source,
		"region", effective.Region,
		"modality", effective.Modality,
		"page", effective.Page)
	return effective, err
}

// EnvPrefix is prepended to the upper-cased level name, e.g. LICITA_TIMEOUT_PAGE.
const EnvPrefix = "LICITA_TIMEOUT_"

// FromEnv overlays LICITA_TIMEOUT_<LEVEL> values (Go duration syntax) on
// base. lookup defaults to os.Getenv. It does not validate ordering.
func FromEnv(base Chain, lookup func(string) string) (Chain, error) {
	if lookup == nil {
		lookup = os.Getenv
	}
	out := base
	fields := map[Level]*time.Duration{
		Global:   &out.Global,
		Source:   &out.Source,
		Region:   &out.Region,
		Modality: &out.Modality,
		Page:     &out.Page,
	}
	for l := Global; l <= Page; l++ {
		key := EnvPrefix + strings.ToUpper(l.String())
		v := strings.TrimSpace(lookup(key))
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return base, fmt.Errorf("timeouts: %s: %w", key, err)
		}
		*fields[l] = d
	}
	return out, nil
}

// ErrHeadroom reports that siblings at an inner level cannot all finish
// inside the outer budget when each takes its full inner budget.
type ErrHeadroom struct {
	Outer               Level
	Siblings, Waves     int
	Needed, OuterBudget time.Duration
}

func (e *ErrHeadroom) Error() string {
	return fmt.Sprintf("timeouts: %d %s siblings in %d waves need %s, %s budget is %s",
		e.Siblings, e.Outer+1, e.Waves, e.Needed, e.Outer, e.OuterBudget)
}

// Headroom checks whether siblings children of outer, run parallelism at a
// time, fit inside the outer budget when every wave runs to its inner
// budget. A non-nil result is advisory: the outer scope still bounds the
// group, and finished siblings keep their results.
func (c Chain) Headroom(outer Level, siblings, parallelism int) error {
	if outer < Global || outer >= Page || siblings <= 0 {
		return nil
	}
	if parallelism <= 0 || parallelism > siblings {
		parallelism = siblings
	}
	waves := (siblings + parallelism - 1) / parallelism
	needed := time.Duration(waves) * c.Budget(outer+1)
	if needed > c.Budget(outer) {
		return &ErrHeadroom{Outer: outer, Siblings: siblings, Waves: waves, Needed: needed, OuterBudget: c.Budget(outer)}
	}
	return nil
}

// ScopeExpired is the cancellation cause attached to every scope.
type ScopeExpired struct {
	Level  Level
	Budget time.Duration
}

func (e *ScopeExpired) Error() string {
	return fmt.Sprintf("timeouts: %s scope expired after %s", e.Level, e.Budget)
}

// Scope derives a context bounded by level l. context.Cause on the result
// returns *ScopeExpired once the level's own budget elapses.
func (c Chain) Scope(ctx context.Context, l Level) (context.Context, context.CancelFunc) {
	b := c.Budget(l)
	return context.WithTimeoutCause(ctx, b, &ScopeExpired{Level: l, Budget: b})
}
