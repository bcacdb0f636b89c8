// Package tender holds the procurement-opportunity data model shared by the
// fetch, consolidation and cache layers.
package tender

import (
	"fmt"
	"time"
)

// SourceID identifies one independently operated procurement data provider.
type SourceID string

const (
	SourcePNCP       SourceID = "pncp"        // national procurement portal, page-numbered
	SourceComprasGov SourceID = "compras_gov" // federal purchasing API, offset-paginated
	SourcePortal     SourceID = "portal"      // aggregator API, opaque cursor
)

// KnownSources returns every source the engine has an adapter for, in the
// default priority order (most authoritative first).
func KnownSources() []SourceID {
	return []SourceID{SourcePNCP, SourceComprasGov, SourcePortal}
}

// Valid reports whether s is one of the known sources.
func (s SourceID) Valid() bool {
	for _, k := range KnownSources() {
		if s == k {
			return true
		}
	}
	return false
}

// Partition is one (jurisdiction × modality) slice of a request, fetched
// independently per source.
type Partition struct {
	UF       string `json:"uf"`
	Modality int    `json:"modality"`
}

// Key returns the stable string form used in status maps and logs.
func (p Partition) Key() string {
	return fmt.Sprintf("%s:%d", p.UF, p.Modality)
}

// Window is the publication date range of a request, inclusive on both ends.
type Window struct {
	From time.Time
	To   time.Time
}

// RawRecord is one procurement opportunity as a provider reported it, after
// field-name mapping by the source adapter.
type RawRecord struct {
	Source         SourceID  `json:"source"`
	ProviderID     string    `json:"provider_id"`
	AgencyID       string    `json:"agency_id"`
	AgencyName     string    `json:"agency_name,omitempty"`
	ProcessNumber  string    `json:"process_number"`
	Year           int       `json:"year"`
	Description    string    `json:"description"`
	EstimatedValue float64   `json:"estimated_value"`
	UF             string    `json:"uf"`
	Municipality   string    `json:"municipality,omitempty"`
	Modality       int       `json:"modality"`
	PublishedAt    time.Time `json:"published_at"`
	ClosingAt      time.Time `json:"closing_at,omitzero"`
	UpdatedAt      time.Time `json:"updated_at,omitzero"`
	URL            string    `json:"url,omitempty"`
}

// Completeness counts populated optional fields. Used as the second
// tie-break when several sources report the same opportunity.
func (r RawRecord) Completeness() int {
	n := 0
	for _, s := range []string{r.AgencyName, r.Description, r.Municipality, r.URL, r.ProcessNumber, r.AgencyID} {
		if s != "" {
			n++
		}
	}
	if r.EstimatedValue > 0 {
		n++
	}
	if r.Year > 0 {
		n++
	}
	for _, t := range []time.Time{r.PublishedAt, r.ClosingAt, r.UpdatedAt} {
		if !t.IsZero() {
			n++
		}
	}
	return n
}

// LastChange returns UpdatedAt, or PublishedAt when the provider does not
// report updates.
func (r RawRecord) LastChange() time.Time {
	if !r.UpdatedAt.IsZero() {
		return r.UpdatedAt
	}
	return r.PublishedAt
}

// ConsolidatedRecord is the deduplicated output unit.
type ConsolidatedRecord struct {
	Fingerprint string     `json:"fingerprint"`
	Record      RawRecord  `json:"record"`
	Sources     []SourceID `json:"contributing_sources"`
}

// ErrorKind classifies why a partition or source did not return data.
type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindTransient   ErrorKind = "Transient"
	KindTerminal    ErrorKind = "Terminal"
	KindCircuitOpen ErrorKind = "CircuitOpen"
	KindTimeout     ErrorKind = "Timeout"
	KindSkipped     ErrorKind = "Skipped"
)

// SourceStatus reports how one source fared for one request.
type SourceStatus struct {
	Attempted        bool                 `json:"attempted"`
	Succeeded        bool                 `json:"succeeded"`
	RecordCount      int                  `json:"record_count"`
	ElapsedMs        int64                `json:"elapsed_ms"`
	ErrorKind        ErrorKind            `json:"error_kind,omitempty"`
	FailedPartitions map[string]ErrorKind `json:"failed_partitions,omitempty"`
	Reason           string               `json:"reason,omitempty"`
}

// ConsolidationResult is the response unit of one search request.
//
// IsPartial is true when any eligible source failed, timed out or was
// skipped. Degraded is true only when no live data could be gathered and no
// cache entry was available, which is distinct from a successful search that
// legitimately matched nothing.
type ConsolidationResult struct {
	RequestID       string                     `json:"request_id"`
	Records         []ConsolidatedRecord       `json:"records"`
	IsPartial       bool                       `json:"is_partial"`
	Degraded        bool                       `json:"degraded"`
	Cached          bool                       `json:"cached"`
	CacheAgeMs      int64                      `json:"cache_age_ms,omitempty"`
	PerSourceStatus map[SourceID]*SourceStatus `json:"per_source_status"`
	ElapsedMs       int64                      `json:"elapsed_ms"`
	GeneratedAt     time.Time                  `json:"generated_at"`
}

// Clone returns a copy that shares no mutable maps or slices with r.
func (r *ConsolidationResult) Clone() *ConsolidationResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Records = make([]ConsolidatedRecord, len(r.Records))
	for i, rec := range r.Records {
		rec.Sources = append([]SourceID(nil), rec.Sources...)
		out.Records[i] = rec
	}
	out.PerSourceStatus = make(map[SourceID]*SourceStatus, len(r.PerSourceStatus))
	for k, v := range r.PerSourceStatus {
		st := *v
		if v.FailedPartitions != nil {
			st.FailedPartitions = make(map[string]ErrorKind, len(v.FailedPartitions))
			for pk, pv := range v.FailedPartitions {
				st.FailedPartitions[pk] = pv
			}
		}
		out.PerSourceStatus[k] = &st
	}
	return &out
}
