package tender

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// DateLayout is the wire format of request dates.
const DateLayout = "2006-01-02"

// ErrInvalidQuery is wrapped by every Query validation failure.
var ErrInvalidQuery = errors.New("tender: invalid query")

// ufCodes lists the 27 Brazilian federative units.
var ufCodes = map[string]bool{
	"AC": true, "AL": true, "AP": true, "AM": true, "BA": true, "CE": true, "DF": true,
	"ES": true, "GO": true, "MA": true, "MT": true, "MS": true, "MG": true, "PA": true,
	"PB": true, "PR": true, "PE": true, "PI": true, "RJ": true, "RN": true, "RS": true,
	"RO": true, "RR": true, "SC": true, "SP": true, "SE": true, "TO": true,
}

// Date is a calendar day serialised as YYYY-MM-DD.
type Date struct{ time.Time }

// NewDate truncates t to its calendar day in UTC.
func NewDate(t time.Time) Date {
	y, m, d := t.Date()
	return Date{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, err
	}
	return Date{t}, nil
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(d.Format(DateLayout))
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Query describes one search request.
type Query struct {
	UFs        []string   `json:"ufs"`
	Modalities []int      `json:"modalities"`
	From       Date       `json:"from"`
	To         Date       `json:"to"`
	Sources    []SourceID `json:"sources,omitempty"`
	// Saved marks a pinned query; it is always cached as Hot.
	Saved bool `json:"saved,omitempty"`
}

// Normalize validates q and returns a canonical copy: UFs upper-cased,
// deduplicated and sorted, modalities and sources deduplicated and sorted.
// An empty Sources list means every known source.
func (q Query) Normalize() (Query, error) {
	out := Query{From: q.From, To: q.To, Saved: q.Saved}

	for _, uf := range q.UFs {
		uf = strings.ToUpper(strings.TrimSpace(uf))
		if !ufCodes[uf] {
			return Query{}, fmt.Errorf("%w: unknown uf %q", ErrInvalidQuery, uf)
		}
		out.UFs = append(out.UFs, uf)
	}
	if len(out.UFs) == 0 {
		return Query{}, fmt.Errorf("%w: at least one uf is required", ErrInvalidQuery)
	}
	slices.Sort(out.UFs)
	out.UFs = slices.Compact(out.UFs)

	for _, m := range q.Modalities {
		if m <= 0 {
			return Query{}, fmt.Errorf("%w: modality must be positive, got %d", ErrInvalidQuery, m)
		}
		out.Modalities = append(out.Modalities, m)
	}
	if len(out.Modalities) == 0 {
		return Query{}, fmt.Errorf("%w: at least one modality is required", ErrInvalidQuery)
	}
	slices.Sort(out.Modalities)
	out.Modalities = slices.Compact(out.Modalities)

	if q.From.IsZero() || q.To.IsZero() {
		return Query{}, fmt.Errorf("%w: from and to are required", ErrInvalidQuery)
	}
	if q.To.Before(q.From.Time) {
		return Query{}, fmt.Errorf("%w: to is before from", ErrInvalidQuery)
	}

	for _, s := range q.Sources {
		if !s.Valid() {
			return Query{}, fmt.Errorf("%w: unknown source %q", ErrInvalidQuery, s)
		}
		out.Sources = append(out.Sources, s)
	}
	if len(out.Sources) == 0 {
		out.Sources = KnownSources()
	}
	slices.Sort(out.Sources)
	out.Sources = slices.Compact(out.Sources)

	return out, nil
}

// Partitions expands the query into its (UF × modality) slices.
func (q Query) Partitions() []Partition {
	parts := make([]Partition, 0, len(q.UFs)*len(q.Modalities))
	for _, uf := range q.UFs {
		for _, m := range q.Modalities {
			parts = append(parts, Partition{UF: uf, Modality: m})
		}
	}
	return parts
}

// Window returns the publication date range.
func (q Query) Window() Window {
	return Window{From: q.From.Time, To: q.To.Time}
}

// Key returns a deterministic hash of the normalized parameters. Callers
// must pass a normalized query; Saved does not participate in the key.
func (q Query) Key() string {
	var b strings.Builder
	b.WriteString("ufs=")
	b.WriteString(strings.Join(q.UFs, ","))
	b.WriteString("|mod=")
	for i, m := range q.Modalities {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(m))
	}
	b.WriteString("|from=")
	b.WriteString(q.From.Format("20060102"))
	b.WriteString("|to=")
	b.WriteString(q.To.Format("20060102"))
	b.WriteString("|src=")
	for i, s := range q.Sources {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(string(s))
	}
	sum := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}
