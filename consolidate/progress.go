package consolidate

import (
	"sync"

	"github.com/hazyhaar/licita/tender"
)

// ProgressType distinguishes partition and source notifications.
type ProgressType string

const (
	ProgressPartition ProgressType = "partition"
	ProgressSource    ProgressType = "source"
)

// Progress reports one finished partition or source.
type Progress struct {
	Type      ProgressType         `json:"type"`
	Source    tender.SourceID      `json:"source"`
	Partition string               `json:"partition,omitempty"`
	Records   int                  `json:"records"`
	Kind      tender.ErrorKind     `json:"error_kind,omitempty"`
	Error     string               `json:"error,omitempty"`
	ElapsedMs int64                `json:"elapsed_ms,omitempty"`
	Status    *tender.SourceStatus `json:"status,omitempty"`
}

// ProgressFunc receives progress notifications.
type ProgressFunc func(Progress)

// serialize wraps fn so concurrent fetch goroutines never call it at the
// same time. A nil fn yields a no-op.
func serialize(fn ProgressFunc) ProgressFunc {
	if fn == nil {
		return func(Progress) {}
	}
	var mu sync.Mutex
	return func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		fn(p)
	}
}
