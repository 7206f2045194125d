// Package kit holds the transport-agnostic plumbing shared by every tool
// surface: the Endpoint abstraction, middleware chaining, request-scoped
// context values, and the MCP registration helper.
package kit

import "context"

// Endpoint is a transport-agnostic request handler. Each tool operation
// (scrape, search, crawl, ...) is exposed as an Endpoint and wired to MCP
// and HTTP transports by the cmd layer.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behaviour.
type Middleware func(next Endpoint) Endpoint

// Chain composes middlewares so the first argument is the outermost wrapper.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
