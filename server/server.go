// Package server exposes the consolidation engine over HTTP: a JSON search
// endpoint, health views, a WebSocket progress stream and MCP tools. All three
// search transports share one kit.Endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/licita/cache"
	"github.com/hazyhaar/licita/consolidate"
	"github.com/hazyhaar/licita/kit"
	"github.com/hazyhaar/licita/netsafe"
	"github.com/hazyhaar/licita/shield"
	"github.com/hazyhaar/licita/tender"
)

// CallerHeader names the header carrying the caller identity cache entries
// are scoped to.
const CallerHeader = shield.CallerHeader

// Server routes requests to a consolidate.Service.
type Server struct {
	svc      *consolidate.Service
	mcp      *mcp.Server
	router   chi.Router
	search   kit.Endpoint
	mws      []func(http.Handler) http.Handler
	upgrader websocket.Upgrader
	logger   *slog.Logger
	version  string
}

// Option configures a Server.
type Option func(*Server)

// WithMiddleware replaces the default shield.BaseStack.
func WithMiddleware(mws ...func(http.Handler) http.Handler) Option {
	return func(s *Server) { s.mws = mws }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithVersion sets the version reported to MCP clients.
func WithVersion(v string) Option { return func(s *Server) { s.version = v } }

// WithCheckOrigin sets the WebSocket origin check. The default accepts
// same-origin requests only.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// New builds the router.
func New(svc *consolidate.Service, opts ...Option) *Server {
	s := &Server{
		svc:     svc,
		mws:     shield.BaseStack(),
		logger:  slog.Default(),
		version: "dev",
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 16384,
		},
	}
	for _, o := range opts {
		o(s)
	}

	s.search = kit.Chain(s.logEndpoint("search"))(s.searchEndpoint)

	s.mcp = mcp.NewServer(&mcp.Implementation{Name: "licita", Version: s.version}, nil)
	s.registerMCP(s.mcp)

	r := chi.NewRouter()
	for _, mw := range s.mws {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/health", func(r chi.Router) {
		r.Get("/sources", s.handleSourceHealth)
		r.Get("/cache", s.handleCacheHealth)
	})

	r.Group(func(r chi.Router) {
		r.Use(callerID)
		r.Post("/api/search", s.handleSearch)
		r.Get("/ws/search", s.handleWS)
		r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil))
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// MCP returns the MCP server so other transports can serve the same tools.
func (s *Server) MCP() *mcp.Server { return s.mcp }

// log returns the per-request logger attached by shield.TraceID, or the
// server logger outside a request.
func (s *Server) log(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(shield.LoggerKey).(*slog.Logger); ok {
		return l
	}
	return s.logger
}

// callerID validates the caller header and stores it in the context.
func callerID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := r.Header.Get(CallerHeader)
		if caller != "" {
			if err := netsafe.ValidateIdentifier(caller); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("%s: %w", CallerHeader, err))
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(kit.WithCallerID(r.Context(), caller)))
	})
}

// searchRequest is what every transport decodes into.
type searchRequest struct {
	Query    tender.Query
	Progress consolidate.ProgressFunc
}

// searchResponse carries the result plus the error code the HTTP surface
// reports for degraded responses.
type searchResponse struct {
	*tender.ConsolidationResult
	Error string `json:"error,omitempty"`
}

func (s *Server) searchEndpoint(ctx context.Context, req any) (any, error) {
	sr := req.(*searchRequest)
	return s.svc.ConsolidateWithProgress(ctx, kit.GetCallerID(ctx), sr.Query, sr.Progress)
}

func (s *Server) logEndpoint(name string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			attrs := []any{
				"endpoint", name,
				"transport", kit.GetTransport(ctx),
				"caller", kit.GetCallerID(ctx),
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if res, ok := resp.(*tender.ConsolidationResult); ok && res != nil {
				attrs = append(attrs, "records", len(res.Records), "partial", res.IsPartial, "cached", res.Cached)
			}
			if err != nil {
				s.log(ctx).Warn("endpoint failed", append(attrs, "error", err)...)
			} else {
				s.log(ctx).Info("endpoint done", attrs...)
			}
			return resp, err
		}
	}
}

// run calls the shared endpoint and maps the outcome to an HTTP status
// and body.
func (s *Server) run(ctx context.Context, sr *searchRequest) (int, any) {
	resp, err := s.search(ctx, sr)
	res, _ := resp.(*tender.ConsolidationResult)

	var all *consolidate.AllSourcesFailedError
	switch {
	case err == nil:
		return http.StatusOK, searchResponse{ConsolidationResult: res}
	case errors.As(err, &all) && res != nil:
		return http.StatusServiceUnavailable, searchResponse{ConsolidationResult: res, Error: "all_sources_failed"}
	case errors.Is(err, tender.ErrInvalidQuery):
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	case errors.Is(err, context.Canceled):
		return 499, map[string]string{"error": "request cancelled"}
	default:
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q, err := decodeQuery(json.NewDecoder(r.Body))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	code, body := s.run(r.Context(), &searchRequest{Query: q})
	writeJSON(w, code, body)
}

func decodeQuery(dec *json.Decoder) (tender.Query, error) {
	dec.DisallowUnknownFields()
	var q tender.Query
	if err := dec.Decode(&q); err != nil {
		return tender.Query{}, fmt.Errorf("decode query: %w", err)
	}
	return q, nil
}

func (s *Server) handleSourceHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Registry().Snapshot())
}

func (s *Server) handleCacheHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cacheStats())
}

func (s *Server) cacheStats() cache.Distribution {
	if m := s.svc.Cache(); m != nil {
		return m.Distribution()
	}
	return cache.Distribution{}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
