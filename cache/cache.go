// Package cache keeps consolidated search results per caller and query,
// classifies them Hot/Warm/Cold by access frequency, and serves them as a
// labelled fallback when live sources cannot answer.
package cache

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/licita/tender"
)

// ErrNotFound is returned by stores for missing or expired keys.
var ErrNotFound = errors.New("cache: not found")

// Priority is the retention class of an entry.
type Priority int

const (
	Cold Priority = iota
	Warm
	Hot
)

// Priorities lists the classes in eviction order.
func Priorities() []Priority { return []Priority{Cold, Warm, Hot} }

func (p Priority) String() string {
	switch p {
	case Hot:
		return "hot"
	case Warm:
		return "warm"
	default:
		return "cold"
	}
}

// ParsePriority is the inverse of String.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "hot":
		return Hot, nil
	case "warm":
		return Warm, nil
	case "cold":
		return Cold, nil
	}
	return Cold, fmt.Errorf("cache: unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Entry is one cached query result with its access statistics.
type Entry struct {
	Key            string                      `json:"key"`
	Caller         string                      `json:"caller"`
	Query          tender.Query                `json:"query"`
	Result         *tender.ConsolidationResult `json:"result,omitempty"`
	FetchedAt      time.Time                   `json:"fetched_at"`
	AccessCount    int                         `json:"access_count"`
	LastAccessedAt time.Time                   `json:"last_accessed_at,omitzero"`
	Priority       Priority                    `json:"priority"`
	Saved          bool                        `json:"saved"`
}

// StoreKey joins caller and query key into the key used by stores.
func StoreKey(caller, queryKey string) string {
	return caller + "/" + queryKey
}

// SplitStoreKey is the inverse of StoreKey.
func SplitStoreKey(k string) (caller, queryKey string) {
	i := strings.LastIndexByte(k, '/')
	if i < 0 {
		return "", k
	}
	return k[:i], k[i+1:]
}

// clone copies e and its result so stores never share mutable state with
// callers.
func (e *Entry) clone() *Entry {
	out := *e
	out.Result = e.Result.Clone()
	out.Query.UFs = append([]string(nil), e.Query.UFs...)
	out.Query.Modalities = append([]int(nil), e.Query.Modalities...)
	out.Query.Sources = append([]tender.SourceID(nil), e.Query.Sources...)
	return &out
}

// TTL is the retention of one priority class in each tier.
type TTL struct {
	Fast    time.Duration `yaml:"fast" json:"fast"`
	Durable time.Duration `yaml:"durable" json:"durable"`
}

// Policy holds the classification and retention parameters.
type Policy struct {
	Window       time.Duration    `yaml:"window" json:"window"`
	HotThreshold int              `yaml:"hot_threshold" json:"hot_threshold"`
	Capacity     int              `yaml:"capacity" json:"capacity"`
	TTLs         map[Priority]TTL `yaml:"-" json:"ttls"`
}

// DefaultPolicy returns a 24h window, 3 accesses for Hot, 100 entries per
// caller and the default TTL table. Hot entries are refreshed often but kept
// longest.
func DefaultPolicy() Policy {
	return Policy{
		Window:       24 * time.Hour,
		HotThreshold: 3,
		Capacity:     100,
		TTLs: map[Priority]TTL{
			Hot:  {Fast: 2 * time.Minute, Durable: 24 * time.Hour},
			Warm: {Fast: 10 * time.Minute, Durable: 6 * time.Hour},
			Cold: {Fast: 5 * time.Minute, Durable: time.Hour},
		},
	}
}

// TTL returns the retention of class p, falling back to the default table.
func (p Policy) TTL(pr Priority) TTL {
	if t, ok := p.TTLs[pr]; ok {
		return t
	}
	return DefaultPolicy().TTLs[pr]
}

// Classify returns the class of an entry at now. Saved entries are always
// Hot. Accesses older than the window no longer count.
func (p Policy) Classify(e Entry, now time.Time) Priority {
	if e.Saved {
		return Hot
	}
	if e.LastAccessedAt.IsZero() || now.Sub(e.LastAccessedAt) > p.Window {
		return Cold
	}
	switch {
	case e.AccessCount >= p.HotThreshold:
		return Hot
	case e.AccessCount >= 1:
		return Warm
	}
	return Cold
}

// recordAccess increments the access counter, restarting it when the
// previous access fell outside the window, and reclassifies.
func (p Policy) recordAccess(e *Entry, now time.Time) {
	if e.LastAccessedAt.IsZero() || now.Sub(e.LastAccessedAt) > p.Window {
		e.AccessCount = 0
	}
	e.AccessCount++
	e.LastAccessedAt = now
	e.Priority = p.Classify(*e, now)
}
