// Package kit carries the transport-neutral pieces shared by the HTTP and
// MCP surfaces: request-scoped context keys and the Endpoint abstraction.
package kit

import "context"

// Endpoint is one operation exposed over any transport.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware decorates an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so the first one listed runs outermost.
func Chain(outer Middleware, others ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(others) - 1; i >= 0; i-- {
			next = others[i](next)
		}
		return outer(next)
	}
}
