// Package provider wraps the external call-orchestration provider's HTTP API.
// It is a thin adapter: call state semantics live in the domain package.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"voicegrid_backend/internal/calls/domain"
	"voicegrid_backend/platform/apperr"
	"voicegrid_backend/platform/config"
)

// PlaceCallRequest carries everything the provider needs to start an
// outbound call. Metadata is echoed back on webhooks and is how pushes are
// correlated to our internal call record.
type PlaceCallRequest struct {
	CalleeNumber string            `json:"phoneNumber"`
	AgentName    string            `json:"agentName,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Client is the call provider contract used by the dispatch worker and the
// poll scheduler.
type Client interface {
	// GetSnapshot fetches a point-in-time view of a call. Transient errors
	// (network, provider 5xx) are tagged apperr.KindTransient.
	GetSnapshot(ctx context.Context, externalID string) (domain.Snapshot, error)

	// PlaceCall starts an outbound call and returns the provider's call id.
	PlaceCall(ctx context.Context, req PlaceCallRequest) (string, error)

	// EndCall asks the provider to hang up a live call. Best effort.
	EndCall(ctx context.Context, externalID string) error
}

// snapshotResponse is the provider's call detail payload.
type snapshotResponse struct {
	Status          string  `json:"status"`
	DurationSeconds *int    `json:"duration,omitempty"`
	Transcript      *string `json:"transcript,omitempty"`
	RecordingURL    *string `json:"recordingUrl,omitempty"`
	CostCents       *int64  `json:"costCents,omitempty"`
}

// HTTPClient implements Client against the provider's REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPClient creates a provider client with a per-call timeout from config.
func NewHTTPClient(cfg config.ProviderConfig) *HTTPClient {
	return &HTTPClient{
		baseURL: cfg.GetProviderBaseURL(),
		apiKey:  cfg.GetProviderAPIKey(),
		http:    &http.Client{Timeout: cfg.GetProviderTimeout()},
	}
}

// GetSnapshot implements Client.
func (c *HTTPClient) GetSnapshot(ctx context.Context, externalID string) (domain.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/calls/"+externalID, nil)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("build snapshot request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Snapshot{}, apperr.Wrap(apperr.KindTransient, "provider unreachable", err).WithOp("provider.GetSnapshot")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.Snapshot{}, apperr.NotFound("provider does not know this call")
	case resp.StatusCode >= 500:
		return domain.Snapshot{}, apperr.Transient(fmt.Sprintf("provider returned %d", resp.StatusCode)).WithOp("provider.GetSnapshot")
	case resp.StatusCode != http.StatusOK:
		return domain.Snapshot{}, apperr.Internal(fmt.Sprintf("provider returned %d", resp.StatusCode)).WithOp("provider.GetSnapshot")
	}

	var body snapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.Snapshot{}, apperr.Wrap(apperr.KindTransient, "malformed provider response", err).WithOp("provider.GetSnapshot")
	}

	return domain.Snapshot{
		Status:          body.Status,
		DurationSeconds: body.DurationSeconds,
		Transcript:      body.Transcript,
		RecordingURL:    body.RecordingURL,
		CostCents:       body.CostCents,
	}, nil
}

// PlaceCall implements Client.
func (c *HTTPClient) PlaceCall(ctx context.Context, placeReq PlaceCallRequest) (string, error) {
	payload, err := json.Marshal(placeReq)
	if err != nil {
		return "", fmt.Errorf("marshal place call request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/calls", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build place call request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.KindTransient, "provider unreachable", err).WithOp("provider.PlaceCall")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", apperr.Transient(fmt.Sprintf("provider returned %d", resp.StatusCode)).WithOp("provider.PlaceCall")
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", apperr.Internal(fmt.Sprintf("provider returned %d", resp.StatusCode)).WithOp("provider.PlaceCall")
	}

	var body struct {
		CallID string `json:"callId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "malformed provider response", err).WithOp("provider.PlaceCall")
	}
	if body.CallID == "" {
		return "", apperr.Internal("provider returned no call id").WithOp("provider.PlaceCall")
	}
	return body.CallID, nil
}

// EndCall implements Client.
func (c *HTTPClient) EndCall(ctx context.Context, externalID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1/calls/"+externalID, nil)
	if err != nil {
		return fmt.Errorf("build end call request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "provider unreachable", err).WithOp("provider.EndCall")
	}
	defer resp.Body.Close()

	// 404 means the provider already tore the call down; fine for a hangup.
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return apperr.Transient(fmt.Sprintf("provider returned %d", resp.StatusCode)).WithOp("provider.EndCall")
	}
	return nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
