package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/licita/consolidate"
	"github.com/hazyhaar/licita/kit"
	"github.com/hazyhaar/licita/netsafe"
	"github.com/hazyhaar/licita/tender"
)

// registerMCP registers the licita tools on an MCP server.
func (s *Server) registerMCP(srv *mcp.Server) {
	s.registerSearch(srv)
	s.registerSourceHealth(srv)
	s.registerCacheStats(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	sch := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sch["required"] = required
	}
	return sch
}

func noArgs(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	return &kit.MCPDecodeResult{}, nil
}

func (s *Server) registerSearch(srv *mcp.Server) {
	type req struct {
		tender.Query
		CallerID string `json:"caller_id"`
	}

	tool := &mcp.Tool{
		Name:        "licita_search",
		Description: "Search public procurement notices across every eligible source, deduplicated. The result says which sources answered and whether it is partial or served from cache.",
		InputSchema: inputSchema(map[string]any{
			"ufs":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Federative units, e.g. [\"SP\",\"RJ\"]"},
			"modalities": map[string]any{"type": "array", "items": map[string]any{"type": "integer"}, "description": "Procurement modality codes"},
			"from":       map[string]any{"type": "string", "description": "Publication date lower bound, YYYY-MM-DD"},
			"to":         map[string]any{"type": "string", "description": "Publication date upper bound, YYYY-MM-DD"},
			"sources":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Restrict to these sources (pncp, compras_gov, portal)"},
			"saved":      map[string]any{"type": "boolean", "description": "Mark as a saved search so its cache entry stays hot"},
			"caller_id":  map[string]any{"type": "string", "description": "Identity the cached result is scoped to"},
		}, []string{"ufs", "modalities", "from", "to"}),
	}

	// The MCP surface reports degraded results as tool errors carrying the
	// per-source status, so the model never mistakes them for empty results.
	endpoint := func(ctx context.Context, r any) (any, error) {
		resp, err := s.search(ctx, &searchRequest{Query: r.(*req).Query})
		var all *consolidate.AllSourcesFailedError
		if errors.As(err, &all) {
			data, _ := json.Marshal(all.Statuses)
			return nil, fmt.Errorf("%w; per-source status: %s", err, data)
		}
		return resp, err
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		if p.CallerID != "" {
			if err := netsafe.ValidateIdentifier(p.CallerID); err != nil {
				return nil, fmt.Errorf("caller_id: %w", err)
			}
		}
		caller := p.CallerID
		return &kit.MCPDecodeResult{
			Request: &p,
			EnrichCtx: func(ctx context.Context) context.Context {
				if caller == "" {
					return ctx
				}
				return kit.WithCallerID(ctx, caller)
			},
		}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (s *Server) registerSourceHealth(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "licita_source_health",
		Description: "Report each procurement source's availability, circuit state and last success",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(context.Context, any) (any, error) {
		return s.svc.Registry().Snapshot(), nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, noArgs)
}

func (s *Server) registerCacheStats(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "licita_cache_stats",
		Description: "Count cached search results per priority class (hot, warm, cold)",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(context.Context, any) (any, error) {
		return s.cacheStats(), nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, noArgs)
}
