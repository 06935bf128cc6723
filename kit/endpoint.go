// Package kit is the transport-neutral layer between the recorder's
// operations and the surfaces that expose them (HTTP, MCP). An operation is
// written once as an Endpoint and wrapped by Middleware that both
// transports share.
package kit

import (
	"context"
	"log/slog"
	"time"
)

// Endpoint is one operation with a decoded request.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so that the first one is outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Logging logs every call of the named operation at debug level, and
// failures at warn level.
func Logging(logger *slog.Logger, op string) Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			c := CallerFrom(ctx)
			attrs := []any{
				"op", op,
				"transport", c.Transport,
				"operator", c.Operator,
				"request_id", c.RequestID,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if err != nil {
				logger.Warn("kit: operation failed", append(attrs, "error", err)...)
			} else {
				logger.Debug("kit: operation", attrs...)
			}
			return resp, err
		}
	}
}
