// Package transport defines the wire-level request and response shapes for
// the calls module.
package transport

import (
	"time"

	"voicegrid_backend/internal/calls/domain"

	"github.com/google/uuid"
)

// WebhookCorrelation is the embedded correlation object the provider echoes
// back from call placement metadata. When present it is authoritative.
type WebhookCorrelation struct {
	InternalCallID uuid.UUID `json:"internalCallId"`
	OrganizationID uuid.UUID `json:"organizationId"`
}

// WebhookRequest is the provider's push payload for a call state change.
// CallID may be empty when the correlation metadata identifies the call.
type WebhookRequest struct {
	CallID          string              `json:"callId"`
	Status          string              `json:"status"`
	DurationSeconds *int                `json:"duration,omitempty"`
	Transcript      *string             `json:"transcript,omitempty"`
	RecordingURL    *string             `json:"recordingUrl,omitempty"`
	CostCents       *int64              `json:"costCents,omitempty"`
	Metadata        *WebhookCorrelation `json:"metadata,omitempty"`
}

// Snapshot converts the webhook body into a domain snapshot.
func (r WebhookRequest) Snapshot() domain.Snapshot {
	return domain.Snapshot{
		Status:          r.Status,
		DurationSeconds: r.DurationSeconds,
		Transcript:      r.Transcript,
		RecordingURL:    r.RecordingURL,
		CostCents:       r.CostCents,
	}
}

// WebhookResponse is the acknowledgement returned to the provider.
type WebhookResponse struct {
	Received bool  `json:"received"`
	Matched  *bool `json:"matched,omitempty"`
}

// StartCallRequest creates a call record and dispatches placement.
type StartCallRequest struct {
	CalleeNumber string `json:"calleeNumber" validate:"required,phone"`
	AgentName    string `json:"agentName" validate:"max=100"`
}

// CallView is the external representation of a call, shared by the REST API
// and the fanout payloads.
type CallView struct {
	ID              uuid.UUID  `json:"id"`
	OrganizationID  uuid.UUID  `json:"organizationId"`
	ExternalCallID  *string    `json:"externalCallId,omitempty"`
	CalleeNumber    string     `json:"calleeNumber"`
	AgentName       string     `json:"agentName,omitempty"`
	Status          string     `json:"status"`
	DurationSeconds int        `json:"durationSeconds"`
	Transcript      *string    `json:"transcript,omitempty"`
	RecordingURL    *string    `json:"recordingUrl,omitempty"`
	CostCents       int64      `json:"costCents"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// NewCallView maps a domain call to its wire shape.
func NewCallView(c domain.Call) CallView {
	return CallView{
		ID:              c.ID,
		OrganizationID:  c.OrganizationID,
		ExternalCallID:  c.ExternalCallID,
		CalleeNumber:    c.CalleeNumber,
		AgentName:       c.AgentName,
		Status:          string(c.Status),
		DurationSeconds: c.DurationSeconds,
		Transcript:      c.Transcript,
		RecordingURL:    c.RecordingURL,
		CostCents:       c.CostCents,
		StartedAt:       c.StartedAt,
		EndedAt:         c.EndedAt,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

// PollSessionView is one active poll session in the ops introspection response.
type PollSessionView struct {
	ExternalCallID string    `json:"externalCallId"`
	InternalCallID uuid.UUID `json:"internalCallId"`
	OrganizationID uuid.UUID `json:"organizationId"`
	Attempts       int       `json:"attempts"`
	ElapsedSeconds float64   `json:"elapsedSeconds"`
}

// PollSessionsResponse is the ops introspection payload.
type PollSessionsResponse struct {
	Active   int               `json:"active"`
	Sessions []PollSessionView `json:"sessions"`
}
