package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/iotzator/homematrix/internal/auth"
	"github.com/iotzator/homematrix/internal/obs"
)

func TestEventCarriesRequestAndUser(t *testing.T) {
	var buf bytes.Buffer
	obs.SetLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = auth.WithUser(ctx, &auth.User{ID: "user-1"})
	Event(ctx, "login_failed", slog.String("reason", "bad_password"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["event"] != "login_failed" {
		t.Fatalf("event = %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("request_id = %v", entry["request_id"])
	}
	if entry["user_id"] != "user-1" {
		t.Fatalf("user_id = %v", entry["user_id"])
	}
	if entry["reason"] != "bad_password" {
		t.Fatalf("reason = %v", entry["reason"])
	}
}

func TestEmptyEventDropped(t *testing.T) {
	var buf bytes.Buffer
	obs.SetLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	Event(context.Background(), "   ")
	if buf.Len() != 0 {
		t.Fatalf("blank event logged: %s", buf.Bytes())
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "  ")
	if got := RequestIDFromContext(ctx); got != "" {
		t.Fatalf("blank request id stored: %q", got)
	}
	ctx = WithRequestID(ctx, "abc")
	if got := RequestIDFromContext(ctx); got != "abc" {
		t.Fatalf("request id = %q", got)
	}
}
