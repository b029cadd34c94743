package domain

import (
	"time"

	"github.com/google/uuid"
)

// Call is the persisted record of a single outbound voice call. It is mutated
// exclusively through the Reconciler; both ingestion paths feed snapshots
// into the same merge.
type Call struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID

	// ExternalCallID is nil until the provider confirms the call.
	ExternalCallID *string

	CalleeNumber string
	AgentName    string

	Status          Status
	DurationSeconds int
	Transcript      *string
	RecordingURL    *string
	CostCents       int64

	StartedAt *time.Time
	EndedAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Snapshot is a point-in-time, possibly partial view of a call as reported
// by the provider, via webhook push or poll.
type Snapshot struct {
	// Status is the raw provider status string; empty means not reported.
	Status string

	DurationSeconds *int
	Transcript      *string
	RecordingURL    *string
	CostCents       *int64
	StartedAt       *time.Time
	EndedAt         *time.Time
}

// IsEmpty reports whether the snapshot carries no information at all.
func (s Snapshot) IsEmpty() bool {
	return s.Status == "" &&
		s.DurationSeconds == nil &&
		s.Transcript == nil &&
		s.RecordingURL == nil &&
		s.CostCents == nil &&
		s.StartedAt == nil &&
		s.EndedAt == nil
}
