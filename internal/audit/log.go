// Package audit emits security-relevant events as structured log entries.
// The durable per-account trail lives in the activity log table; this stream
// is for operators and SIEM ingestion.
package audit

import (
	"context"
	"log/slog"
	"strings"

	"github.com/iotzator/homematrix/internal/auth"
	"github.com/iotzator/homematrix/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier so every event emitted while
// handling the request can be correlated.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the attached request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Event writes one security event enriched with request and user context.
func Event(ctx context.Context, event string, attrs ...slog.Attr) {
	event = strings.TrimSpace(event)
	if event == "" {
		return
	}
	args := make([]any, 0, len(attrs)+3)
	args = append(args, slog.String("event", event))
	if rid := RequestIDFromContext(ctx); rid != "" {
		args = append(args, slog.String("request_id", rid))
	}
	if u := auth.UserFromContext(ctx); u != nil {
		args = append(args, slog.String("user_id", u.ID))
	}
	for _, a := range attrs {
		args = append(args, a)
	}
	obs.Logger().Info("security_event", args...)
}
