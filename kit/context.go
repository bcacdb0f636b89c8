package kit

import "context"

type contextKey string

const (
	CallerIDKey  contextKey = "kit_caller_id"
	TransportKey contextKey = "kit_transport" // "http", "ws", "mcp"
	RequestIDKey contextKey = "kit_request_id"
	TraceIDKey   contextKey = "kit_trace_id"
)

// WithCallerID stores the identity cache entries are scoped to.
func WithCallerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CallerIDKey, id)
}

// GetCallerID returns the caller identity, or "anonymous" when none was set.
func GetCallerID(ctx context.Context) string {
	if v, ok := ctx.Value(CallerIDKey).(string); ok && v != "" {
		return v
	}
	return "anonymous"
}

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}
