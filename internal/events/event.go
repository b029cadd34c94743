// Package events provides domain event definitions for decoupled,
// event-driven communication between modules.
// Infrastructure (Bus, Handler) is in platform/events.
package events

import (
	"voicegrid_backend/platform/events"

	"github.com/google/uuid"
)

// Re-export platform types for convenience
type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
)

// Re-export platform functions
var NewBaseEvent = events.NewBaseEvent

// =============================================================================
// Calls Domain Events
// =============================================================================

// CallUpdated is published after a reconciled change to a call has been
// persisted. Published in write order per call.
type CallUpdated struct {
	BaseEvent
	CallID         uuid.UUID `json:"callId"`
	OrganizationID uuid.UUID `json:"organizationId"`
	ExternalCallID string    `json:"externalCallId,omitempty"`
	OldStatus      string    `json:"oldStatus"`
	NewStatus      string    `json:"newStatus"`
	Terminal       bool      `json:"terminal"`
	RecordingURL   string    `json:"recordingUrl,omitempty"`
	Source         string    `json:"source"` // "webhook" or "poll"
}

func (e CallUpdated) EventName() string { return "calls.call.updated" }

// CallPlaced is published when the dispatch worker has successfully placed
// the call with the provider.
type CallPlaced struct {
	BaseEvent
	CallID         uuid.UUID `json:"callId"`
	OrganizationID uuid.UUID `json:"organizationId"`
	ExternalCallID string    `json:"externalCallId"`
}

func (e CallPlaced) EventName() string { return "calls.call.placed" }

// RecordingArchived is published when a provider recording has been copied
// into object storage.
type RecordingArchived struct {
	BaseEvent
	CallID         uuid.UUID `json:"callId"`
	OrganizationID uuid.UUID `json:"organizationId"`
	FileKey        string    `json:"fileKey"`
	SizeBytes      int64     `json:"sizeBytes"`
}

func (e RecordingArchived) EventName() string { return "calls.recording.archived" }
