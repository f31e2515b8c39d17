// Package ha speaks the REST API of an automation host. The gateway never
// interprets payloads beyond the entity ids it filters on; everything else
// passes through as raw JSON.
package ha

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/iotzator/homematrix/internal/obs"
)

// ErrUnreachable wraps connection and timeout failures talking upstream.
var ErrUnreachable = errors.New("ha: host unreachable")

// StatusError is a non-2xx reply from the upstream host.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ha: upstream replied %d", e.Code)
}

// Target is one proxy destination with its decrypted credential.
type Target struct {
	BaseURL string
	Token   string
}

// Client is a thin REST client shared across hosts; per-host state lives in
// the Target.
type Client struct {
	http *http.Client
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// State is one entity state row, kept raw except for the id used to filter.
type State struct {
	EntityID string
	Raw      json.RawMessage
}

// States fetches every entity state the host exposes.
func (c *Client) States(ctx context.Context, t Target) ([]State, error) {
	body, err := c.do(ctx, t, http.MethodGet, "/api/states", nil, "states")
	if err != nil {
		return nil, err
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("ha: decode states: %w", err)
	}
	out := make([]State, 0, len(raws))
	for _, raw := range raws {
		var peek struct {
			EntityID string `json:"entity_id"`
		}
		if err := json.Unmarshal(raw, &peek); err != nil || peek.EntityID == "" {
			continue
		}
		out = append(out, State{EntityID: peek.EntityID, Raw: raw})
	}
	return out, nil
}

// EntityState fetches one entity.
func (c *Client) EntityState(ctx context.Context, t Target, entityID string) (json.RawMessage, error) {
	return c.do(ctx, t, http.MethodGet, "/api/states/"+entityID, nil, "state")
}

// CallService invokes domain.service with the caller's payload verbatim.
func (c *Client) CallService(ctx context.Context, t Target, domain, service string, payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return c.do(ctx, t, http.MethodPost, "/api/services/"+domain+"/"+service, payload, "call_service")
}

// Config fetches the host configuration document.
func (c *Client) Config(ctx context.Context, t Target) (json.RawMessage, error) {
	return c.do(ctx, t, http.MethodGet, "/api/config", nil, "config")
}

// Ping checks reachability and credential validity in one round trip.
func (c *Client) Ping(ctx context.Context, t Target) error {
	_, err := c.do(ctx, t, http.MethodGet, "/api/", nil, "ping")
	return err
}

func (c *Client) do(ctx context.Context, t Target, method, path string, payload json.RawMessage, operation string) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+t.Token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		obs.ObserveUpstream(operation, "unreachable")
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	obs.ObserveUpstream(operation, strconv.Itoa(resp.StatusCode))
	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if resp.StatusCode >= 400 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}
