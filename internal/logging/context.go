// Package logging carries render correlation IDs through contexts and into
// slog records.
package logging

import (
	"context"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	sessionIDKey ctxKey = iota
	requestSeqKey
	rendererKey
)

// WithSessionID returns a context with the session ID set.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// WithRequestSeq returns a context with the per-session request sequence set.
func WithRequestSeq(ctx context.Context, seq int64) context.Context {
	return context.WithValue(ctx, requestSeqKey, seq)
}

// WithRenderer returns a context with the renderer name set.
func WithRenderer(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, rendererKey, name)
}

// SessionID extracts the session ID from the context, or "" if absent.
func SessionID(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDKey).(string)
	return v
}

// RequestSeq extracts the request sequence from the context, or 0 if absent.
func RequestSeq(ctx context.Context) int64 {
	v, _ := ctx.Value(requestSeqKey).(int64)
	return v
}

// Renderer extracts the renderer name from the context, or "" if absent.
func Renderer(ctx context.Context) string {
	v, _ := ctx.Value(rendererKey).(string)
	return v
}

// WithIDs sets all three correlation IDs on the context at once.
func WithIDs(ctx context.Context, sessionID string, seq int64, renderer string) context.Context {
	ctx = WithSessionID(ctx, sessionID)
	ctx = WithRequestSeq(ctx, seq)
	ctx = WithRenderer(ctx, renderer)
	return ctx
}

func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	if v := SessionID(ctx); v != "" {
		out = append(out, slog.String("session_id", v))
	}
	if v := RequestSeq(ctx); v != 0 {
		out = append(out, slog.Int64("request_seq", v))
	}
	if v := Renderer(ctx); v != "" {
		out = append(out, slog.String("renderer", v))
	}
	return out
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps a config string to a slog level. Unknown values are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
