package source

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/licita/connectivity"
	"github.com/hazyhaar/licita/tender"
)

// Adapter maps one provider's wire contract onto RawRecord. It holds no
// resilience logic; the Client wraps every request it builds.
type Adapter interface {
	// BuildRequest returns the request for one page. An empty cursor means
	// the first page.
	BuildRequest(p tender.Partition, w tender.Window, cursor string) (*connectivity.Request, error)
	// ParseRecords decodes the records of one response body.
	ParseRecords(body []byte) ([]tender.RawRecord, error)
	// ParseCursor returns the cursor of the next page, or "" on the last page.
	ParseCursor(body []byte) (string, error)
	// CanaryRequest returns a minimal request proving the provider answers.
	CanaryRequest(now time.Time) *connectivity.Request
}

// NewAdapter returns the adapter for cfg.ID.
func NewAdapter(cfg Config) (Adapter, error) {
	switch cfg.ID {
	case tender.SourcePNCP:
		return &pncpAdapter{cfg: cfg}, nil
	case tender.SourceComprasGov:
		return &comprasGovAdapter{cfg: cfg}, nil
	case tender.SourcePortal:
		if cfg.Mapping == nil {
			return nil, fmt.Errorf("source: %s: json mapping is required", cfg.ID)
		}
		return NewJSONAdapter(cfg, *cfg.Mapping)
	}
	return nil, fmt.Errorf("source: no adapter for %q", cfg.ID)
}

// canaryPartition is a small, always-populated slice used by health probes.
var canaryPartition = tender.Partition{UF: "DF", Modality: 6}

func canaryWindow(now time.Time) tender.Window {
	day := tender.NewDate(now).Time
	return tender.Window{From: day.AddDate(0, 0, -1), To: day}
}

// timeLayouts are tried in order by parseTime.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	tender.DateLayout,
	"02/01/2006",
}

func parseTime(v any) time.Time {
	s := strings.TrimSpace(asString(v))
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		f, _ := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(x), ",", "."), 64)
		return f
	}
	return 0
}

func asInt(v any) int {
	switch x := v.(type) {
	case float64:
		return int(x)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(x))
		return n
	}
	return 0
}

// lookup walks a dot-notation path into a decoded JSON object.
func lookup(v any, path string) (any, bool) {
	if path == "" {
		return v, true
	}
	current := v
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// walkPath returns the array found at path. An empty path means the root
// must be an array. A JSON null yields no items.
func walkPath(v any, path string) ([]any, error) {
	current, ok := lookup(v, path)
	if !ok {
		return nil, fmt.Errorf("path %q not found", path)
	}
	if current == nil {
		return nil, nil
	}
	arr, ok := current.([]any)
	if !ok {
		if path == "" {
			return nil, fmt.Errorf("root is not an array")
		}
		return nil, fmt.Errorf("path %q is not an array", path)
	}
	return arr, nil
}

// withParam replaces one query parameter of rawURL.
func withParam(rawURL, key, value string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
