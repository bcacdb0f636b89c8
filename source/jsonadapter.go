package source

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/licita/connectivity"
	"github.com/hazyhaar/licita/tender"
)

// Mapping describes a provider by configuration instead of code.
//
// Params values may contain the placeholders {uf}, {modality}, {from},
// {to} and {page_size}; Headers values are ${ENV} expanded. Fields maps a
// record field name (provider_id, agency_id, agency_name, process_number,
// year, description, estimated_value, uf, municipality, modality,
// published_at, closing_at, updated_at, url) to a dot path inside one item.
type Mapping struct {
	Path        string            `yaml:"path"`
	Method      string            `yaml:"method"`
	Params      map[string]string `yaml:"params"`
	Headers     map[string]string `yaml:"headers"`
	CursorParam string            `yaml:"cursor_param"`
	ResultPath  string            `yaml:"result_path"`
	CursorPath  string            `yaml:"cursor_path"`
	Fields      map[string]string `yaml:"fields"`
}

// recordFields lists the keys Mapping.Fields accepts.
var recordFields = map[string]bool{
	"provider_id": true, "agency_id": true, "agency_name": true, "process_number": true,
	"year": true, "description": true, "estimated_value": true, "uf": true,
	"municipality": true, "modality": true, "published_at": true, "closing_at": true,
	"updated_at": true, "url": true,
}

// Validate rejects unknown field names and a missing cursor parameter.
func (m Mapping) Validate() error {
	for k := range m.Fields {
		if !recordFields[k] {
			return fmt.Errorf("unknown record field %q", k)
		}
	}
	if m.CursorPath != "" && m.CursorParam == "" {
		return fmt.Errorf("cursor_path set without cursor_param")
	}
	return nil
}

type jsonAdapter struct {
	cfg Config
	m   Mapping
}

// NewJSONAdapter builds a mapping-driven adapter for cfg. A nil Fields map
// reads each record field from the item key of the same name.
func NewJSONAdapter(cfg Config, m Mapping) (Adapter, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("source: %s: mapping: %w", cfg.ID, err)
	}
	if m.Fields == nil {
		m.Fields = map[string]string{}
		for k := range recordFields {
			m.Fields[k] = k
		}
	}
	return &jsonAdapter{cfg: cfg, m: m}, nil
}

func (a *jsonAdapter) BuildRequest(p tender.Partition, w tender.Window, cursor string) (*connectivity.Request, error) {
	u, err := url.Parse(strings.TrimRight(a.cfg.BaseURL, "/") + a.m.Path)
	if err != nil {
		return nil, &connectivity.ErrBadRequest{Source: string(a.cfg.ID), Cause: err}
	}
	repl := strings.NewReplacer(
		"{uf}", p.UF,
		"{modality}", strconv.Itoa(p.Modality),
		"{from}", w.From.Format(tender.DateLayout),
		"{to}", w.To.Format(tender.DateLayout),
		"{page_size}", strconv.Itoa(a.cfg.pageSize(100)),
	)
	q := u.Query()
	for k, v := range a.m.Params {
		q.Set(k, repl.Replace(v))
	}
	if cursor != "" && a.m.CursorParam != "" {
		q.Set(a.m.CursorParam, cursor)
	}
	u.RawQuery = q.Encode()

	var header http.Header
	if len(a.m.Headers) > 0 {
		header = make(http.Header, len(a.m.Headers))
		for k, v := range a.m.Headers {
			header.Set(k, os.Expand(v, os.Getenv))
		}
	}
	method := a.m.Method
	if method == "" {
		method = http.MethodGet
	}
	return &connectivity.Request{Source: string(a.cfg.ID), Method: method, URL: u.String(), Header: header}, nil
}

func (a *jsonAdapter) decode(body []byte) (any, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &connectivity.ErrMalformedResponse{Source: string(a.cfg.ID), Cause: err}
	}
	return raw, nil
}

func (a *jsonAdapter) ParseRecords(body []byte) ([]tender.RawRecord, error) {
	raw, err := a.decode(body)
	if err != nil {
		return nil, err
	}
	items, err := walkPath(raw, a.m.ResultPath)
	if err != nil {
		return nil, &connectivity.ErrMalformedResponse{Source: string(a.cfg.ID), Cause: err}
	}
	out := make([]tender.RawRecord, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, a.extract(obj))
	}
	return out, nil
}

// extract maps configured field paths onto a RawRecord.
func (a *jsonAdapter) extract(obj map[string]any) tender.RawRecord {
	get := func(field string) any {
		path, ok := a.m.Fields[field]
		if !ok {
			return nil
		}
		v, _ := lookup(obj, path)
		return v
	}
	return tender.RawRecord{
		Source:         a.cfg.ID,
		ProviderID:     asString(get("provider_id")),
		AgencyID:       asString(get("agency_id")),
		AgencyName:     asString(get("agency_name")),
		ProcessNumber:  asString(get("process_number")),
		Year:           asInt(get("year")),
		Description:    asString(get("description")),
		EstimatedValue: asFloat(get("estimated_value")),
		UF:             asString(get("uf")),
		Municipality:   asString(get("municipality")),
		Modality:       asInt(get("modality")),
		PublishedAt:    parseTime(get("published_at")),
		ClosingAt:      parseTime(get("closing_at")),
		UpdatedAt:      parseTime(get("updated_at")),
		URL:            asString(get("url")),
	}
}

func (a *jsonAdapter) ParseCursor(body []byte) (string, error) {
	if a.m.CursorPath == "" {
		return "", nil
	}
	raw, err := a.decode(body)
	if err != nil {
		return "", err
	}
	v, ok := lookup(raw, a.m.CursorPath)
	if !ok {
		return "", nil
	}
	return asString(v), nil
}

func (a *jsonAdapter) CanaryRequest(now time.Time) *connectivity.Request {
	req, err := a.BuildRequest(canaryPartition, canaryWindow(now), "")
	if err != nil {
		return &connectivity.Request{Source: string(a.cfg.ID), URL: a.cfg.BaseURL}
	}
	return req
}
