package ha

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newUpstream(t *testing.T, handler http.HandlerFunc) (*httptest.Server, Target) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, Target{BaseURL: srv.URL, Token: "upstream-token"}
}

func TestStates(t *testing.T) {
	_, target := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/states" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer upstream-token" {
			t.Errorf("authorization = %q", got)
		}
		io.WriteString(w, `[
			{"entity_id":"light.kitchen","state":"on","attributes":{"brightness":200}},
			{"entity_id":"switch.garage","state":"off"},
			{"no_entity":"ignored"}
		]`)
	})

	states, err := NewClient(time.Second).States(context.Background(), target)
	if err != nil {
		t.Fatalf("States: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("got %d states, want 2", len(states))
	}
	if states[0].EntityID != "light.kitchen" || states[1].EntityID != "switch.garage" {
		t.Fatalf("entity ids = %q, %q", states[0].EntityID, states[1].EntityID)
	}
	var decoded struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(states[0].Raw, &decoded); err != nil || decoded.State != "on" {
		t.Fatalf("raw payload mangled: %s", states[0].Raw)
	}
}

func TestCallServicePassthrough(t *testing.T) {
	var gotBody []byte
	_, target := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q", r.Method)
		}
		if r.URL.Path != "/api/services/light/turn_on" {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotBody, _ = io.ReadAll(r.Body)
		io.WriteString(w, `[]`)
	})

	payload := json.RawMessage(`{"entity_id":"light.kitchen","brightness":128}`)
	if _, err := NewClient(time.Second).CallService(context.Background(), target, "light", "turn_on", payload); err != nil {
		t.Fatalf("CallService: %v", err)
	}
	if string(gotBody) != string(payload) {
		t.Fatalf("payload rewritten: %s", gotBody)
	}
}

func TestCallServiceEmptyPayload(t *testing.T) {
	_, target := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "{}" {
			t.Errorf("body = %q, want {}", body)
		}
		io.WriteString(w, `[]`)
	})
	if _, err := NewClient(time.Second).CallService(context.Background(), target, "scene", "turn_on", nil); err != nil {
		t.Fatalf("CallService: %v", err)
	}
}

func TestUpstreamStatusError(t *testing.T) {
	_, target := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
	_, err := NewClient(time.Second).Config(context.Background(), target)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("want StatusError, got %v", err)
	}
	if se.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d", se.Code)
	}
}

func TestUnreachableHost(t *testing.T) {
	target := Target{BaseURL: "http://127.0.0.1:1", Token: "x"}
	err := NewClient(200 * time.Millisecond).Ping(context.Background(), target)
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("want ErrUnreachable, got %v", err)
	}
}
