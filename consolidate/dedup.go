package consolidate

import (
	"cmp"
	"slices"

	"github.com/hazyhaar/licita/tender"
)

// Deduplicate groups records by fingerprint and keeps one record per group.
// The winner is chosen by source rank in order (earlier wins, unlisted
// sources last), then completeness, then most recent change. Every source
// that reported the opportunity is listed on the result, in rank order.
//
// Output is sorted by publication date, newest first, then fingerprint, so
// the same input always yields the same output.
func Deduplicate(records []tender.RawRecord, order []tender.SourceID) []tender.ConsolidatedRecord {
	rank := func(id tender.SourceID) int {
		if i := slices.Index(order, id); i >= 0 {
			return i
		}
		return len(order)
	}
	bySource := func(a, b tender.SourceID) int {
		if c := cmp.Compare(rank(a), rank(b)); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	}
	// better reports whether a should win over b.
	better := func(a, b tender.RawRecord) bool {
		if c := bySource(a.Source, b.Source); c != 0 {
			return c < 0
		}
		if ca, cb := a.Completeness(), b.Completeness(); ca != cb {
			return ca > cb
		}
		if la, lb := a.LastChange(), b.LastChange(); !la.Equal(lb) {
			return la.After(lb)
		}
		return a.ProviderID < b.ProviderID
	}

	groups := make(map[string]*tender.ConsolidatedRecord, len(records))
	for _, r := range records {
		fp := tender.Fingerprint(r)
		g, ok := groups[fp]
		if !ok {
			groups[fp] = &tender.ConsolidatedRecord{Fingerprint: fp, Record: r, Sources: []tender.SourceID{r.Source}}
			continue
		}
		if !slices.Contains(g.Sources, r.Source) {
			g.Sources = append(g.Sources, r.Source)
		}
		if better(r, g.Record) {
			g.Record = r
		}
	}

	out := make([]tender.ConsolidatedRecord, 0, len(groups))
	for _, g := range groups {
		slices.SortFunc(g.Sources, bySource)
		out = append(out, *g)
	}
	slices.SortFunc(out, func(a, b tender.ConsolidatedRecord) int {
		if c := b.Record.PublishedAt.Compare(a.Record.PublishedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Fingerprint, b.Fingerprint)
	})
	return out
}
