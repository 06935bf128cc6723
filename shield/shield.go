// Package shield is the HTTP middleware stack in front of the capture API:
// security headers, body limits, JSON-only bodies, request ids and per-IP
// rate limiting.
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack(db) {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultMaxBody caps JSON request bodies. Captures are short text payloads.
const DefaultMaxBody = 64 * 1024

// DefaultStack returns the middleware stack for the capture API, outermost
// first: HeadToGet, SecurityHeaders, MaxBody, JSONOnly, RequestID, then the
// rate limiter.
// The rate limiter reads its rules from db.
func DefaultStack(db *sql.DB) ([]func(http.Handler) http.Handler, *RateLimiter) {
	rl := NewRateLimiter(db)
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(DefaultMaxBody),
		JSONOnly,
		RequestID,
		rl.Middleware,
	}, rl
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
