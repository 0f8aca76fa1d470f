// Package gateway is the stateless client for the sync backend. When no
// backend is configured the no-op implementation is substituted once here,
// keeping the sync coordinator free of "is sync configured" branches.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/tradebook/internal/config"
	tbsync "github.com/hyperengineering/tradebook/internal/sync"
)

var (
	// ErrRemoteUnavailable wraps network failures and non-auth backend
	// errors. Recovered by simply trying again next cycle.
	ErrRemoteUnavailable = errors.New("remote backend unavailable")

	// ErrAuthInvalid indicates the backend rejected the session or token.
	// Propagates up so the identity context is cleared and sync halts.
	ErrAuthInvalid = errors.New("authentication rejected by backend")
)

// Gateway is the two-operation client the sync coordinator depends on.
type Gateway interface {
	// Push sends a batch of change events. The batch is idempotent on the
	// backend: replaying it must not duplicate server-side effects.
	Push(ctx context.Context, workspaceID, deviceID string, events []tbsync.ChangeEvent) (*tbsync.PushResponse, error)

	// Pull returns remote events received after the checkpoint, plus the
	// server-time watermark to store once they are all applied.
	Pull(ctx context.Context, workspaceID string, since time.Time) (*tbsync.PullResponse, error)

	// Configured reports whether a real backend is behind this gateway.
	Configured() bool
}

// New returns an HTTPGateway when both base URL and API key are set, and a
// NoopGateway otherwise.
func New(cfg config.SyncConfig) Gateway {
	if cfg.BaseURL == "" || cfg.APIKey == "" {
		return &NoopGateway{}
	}
	return NewHTTPGateway(cfg.BaseURL, cfg.APIKey)
}

// NoopGateway keeps the whole application running fully offline: push
// trivially succeeds and pull returns an empty result stamped "now".
type NoopGateway struct{}

// Push acknowledges the batch without sending it anywhere.
func (g *NoopGateway) Push(ctx context.Context, workspaceID, deviceID string, events []tbsync.ChangeEvent) (*tbsync.PushResponse, error) {
	return &tbsync.PushResponse{Accepted: len(events)}, nil
}

// Pull returns an empty result with serverTime set to now.
func (g *NoopGateway) Pull(ctx context.Context, workspaceID string, since time.Time) (*tbsync.PullResponse, error) {
	return &tbsync.PullResponse{Changes: []tbsync.ChangeEvent{}, ServerTime: time.Now().UTC()}, nil
}

// Configured reports that no backend is behind this gateway.
func (g *NoopGateway) Configured() bool { return false }

// HTTPGateway talks to a real backend over the REST wire contract.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPGateway creates a gateway against the given backend.
func NewHTTPGateway(baseURL, apiKey string) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Configured reports that a real backend is behind this gateway.
func (g *HTTPGateway) Configured() bool { return true }

// Push sends the batch with a fresh push id so the backend can replay its
// cached response if we re-send after a crash.
func (g *HTTPGateway) Push(ctx context.Context, workspaceID, deviceID string, events []tbsync.ChangeEvent) (*tbsync.PushResponse, error) {
	req := tbsync.PushRequest{
		WorkspaceID: workspaceID,
		DeviceID:    deviceID,
		PushID:      ulid.Make().String(),
		Changes:     events,
	}

	resp, err := g.sendRequest(ctx, http.MethodPost, "/api/v1/sync/push", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var pushResp tbsync.PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&pushResp); err != nil {
		return nil, fmt.Errorf("%w: decode push response: %v", ErrRemoteUnavailable, err)
	}
	return &pushResp, nil
}

// Pull fetches events received after the checkpoint. A zero since means
// full history.
func (g *HTTPGateway) Pull(ctx context.Context, workspaceID string, since time.Time) (*tbsync.PullResponse, error) {
	query := url.Values{}
	query.Set("workspaceId", workspaceID)
	if !since.IsZero() {
		query.Set("since", since.UTC().Format(time.RFC3339Nano))
	}

	resp, err := g.sendRequest(ctx, http.MethodGet, "/api/v1/sync/pull?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var pullResp tbsync.PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&pullResp); err != nil {
		return nil, fmt.Errorf("%w: decode pull response: %v", ErrRemoteUnavailable, err)
	}
	return &pullResp, nil
}

// sendRequest sends an authenticated request to the backend.
func (g *HTTPGateway) sendRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	return resp, nil
}

// checkStatus maps response codes onto the gateway error taxonomy.
func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrAuthInvalid, resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", ErrRemoteUnavailable, resp.StatusCode)
	}
}
