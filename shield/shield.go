// Package shield provides the HTTP middleware stack for the gemdesk API:
// security headers, JSON body limits, per-IP rate limiting backed by a
// SQLite rules table, request trace IDs and HEAD handling.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.APIStack(db) {
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

// APIStack returns the standard middleware stack for the chat API.
// Ordered: HeadToGet → SecurityHeaders → MaxJSONBody → TraceID → RateLimiter.
// Health checks bypass rate limiting. Call StartReloader on the returned
// limiter to pick up rule changes at runtime.
func APIStack(db *sql.DB) ([]func(http.Handler) http.Handler, *RateLimiter) {
	rl := NewRateLimiter(db, "/health")
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxJSONBody(256 * 1024),
		TraceID,
		rl.Middleware,
	}, rl
}

// GetLogger retrieves the per-request logger from the context, falling back
// to slog.Default().
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
