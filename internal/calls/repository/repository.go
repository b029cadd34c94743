// Package repository provides database operations for call records.
package repository

import (
	"context"
	"errors"
	"time"

	"voicegrid_backend/internal/calls/domain"
	"voicegrid_backend/platform/apperr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const callNotFoundMsg = "call not found"

// ErrStaleWrite is returned when an update lost the race against a
// concurrent write that already moved the row further along the lifecycle.
// Callers absorb it silently; the row's current state is authoritative.
var ErrStaleWrite = errors.New("call already advanced past this update")

// Metrics is the per-organization aggregate recomputed for fanout after
// every persisted change.
type Metrics struct {
	OrganizationID       uuid.UUID `json:"organizationId"`
	TotalCalls           int       `json:"totalCalls"`
	ActiveCalls          int       `json:"activeCalls"`
	CompletedCalls       int       `json:"completedCalls"`
	FailedCalls          int       `json:"failedCalls"`
	CancelledCalls       int       `json:"cancelledCalls"`
	TotalDurationSeconds int64     `json:"totalDurationSeconds"`
	TotalCostCents       int64     `json:"totalCostCents"`
}

// Repository provides database operations for calls.
type Repository struct {
	pool *pgxpool.Pool
}

// New creates a new calls repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const callColumns = `
	id, organization_id, external_call_id, callee_number, agent_name,
	status, duration_seconds, transcript, recording_url, cost_cents,
	started_at, ended_at, created_at, updated_at`

// Create inserts a new call record in the initiated state.
func (r *Repository) Create(ctx context.Context, call *domain.Call) error {
	query := `
		INSERT INTO calls (` + callColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := r.pool.Exec(ctx, query,
		call.ID, call.OrganizationID, call.ExternalCallID, call.CalleeNumber, call.AgentName,
		call.Status, call.DurationSeconds, call.Transcript, call.RecordingURL, call.CostCents,
		call.StartedAt, call.EndedAt, call.CreatedAt, call.UpdatedAt,
	)
	if err != nil {
		return apperr.Wrap(apperr.KindUnavailable, "failed to insert call", err).WithOp("calls.Create")
	}
	return nil
}

// GetByID fetches a call scoped to its organization.
func (r *Repository) GetByID(ctx context.Context, id, orgID uuid.UUID) (domain.Call, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE id = $1 AND organization_id = $2`
	return r.scanCall(r.pool.QueryRow(ctx, query, id, orgID))
}

// GetByExternalID fetches a call by the provider's call identifier.
func (r *Repository) GetByExternalID(ctx context.Context, externalID string) (domain.Call, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE external_call_id = $1`
	return r.scanCall(r.pool.QueryRow(ctx, query, externalID))
}

// SetExternalID records the provider's call identifier once the call has
// been placed.
func (r *Repository) SetExternalID(ctx context.Context, id, orgID uuid.UUID, externalID string) error {
	query := `
		UPDATE calls SET external_call_id = $3, updated_at = NOW()
		WHERE id = $1 AND organization_id = $2`

	tag, err := r.pool.Exec(ctx, query, id, orgID, externalID)
	if err != nil {
		return apperr.Wrap(apperr.KindUnavailable, "failed to set external call id", err).WithOp("calls.SetExternalID")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(callNotFoundMsg)
	}
	return nil
}

// ApplyReconciled persists the outcome of a reconciliation as an atomic
// partial update keyed by id+organization. The reconciler merges against a
// row read moments earlier, so the guard re-checks its assumptions inside
// the UPDATE itself: a terminal row accepts only its own status (late
// backfills), and a non-terminal row refuses any status behind its current
// lifecycle phase. A write that fails the guard lost the race to a
// concurrent update and must not be fanned out.
func (r *Repository) ApplyReconciled(ctx context.Context, call domain.Call) error {
	query := `
		UPDATE calls SET
			status = $3,
			duration_seconds = $4,
			transcript = COALESCE($5, transcript),
			recording_url = COALESCE($6, recording_url),
			cost_cents = GREATEST(cost_cents, $7),
			started_at = COALESCE(started_at, $8),
			ended_at = COALESCE(ended_at, $9),
			updated_at = NOW()
		WHERE id = $1 AND organization_id = $2
		  AND (status NOT IN ('completed', 'failed', 'cancelled') OR status = $3)
		  AND (CASE status
		         WHEN 'initiated' THEN 0
		         WHEN 'ringing' THEN 1
		         WHEN 'in_progress' THEN 2
		         ELSE 3
		       END) <= (CASE $3::text
		         WHEN 'initiated' THEN 0
		         WHEN 'ringing' THEN 1
		         WHEN 'in_progress' THEN 2
		         ELSE 3
		       END)`

	tag, err := r.pool.Exec(ctx, query,
		call.ID, call.OrganizationID,
		call.Status, call.DurationSeconds, call.Transcript, call.RecordingURL,
		call.CostCents, call.StartedAt, call.EndedAt,
	)
	if err != nil {
		return apperr.Wrap(apperr.KindUnavailable, "failed to update call", err).WithOp("calls.ApplyReconciled")
	}
	if tag.RowsAffected() == 0 {
		// Either the row vanished or a concurrent write advanced it past
		// this update between our read and this write.
		if _, getErr := r.GetByID(ctx, call.ID, call.OrganizationID); getErr != nil {
			return getErr
		}
		return ErrStaleWrite
	}
	return nil
}

// AggregateMetrics recomputes the organization's call totals.
func (r *Repository) AggregateMetrics(ctx context.Context, orgID uuid.UUID) (Metrics, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status IN ('initiated', 'ringing', 'in_progress')),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			COALESCE(SUM(duration_seconds), 0),
			COALESCE(SUM(cost_cents), 0)
		FROM calls WHERE organization_id = $1`

	m := Metrics{OrganizationID: orgID}
	err := r.pool.QueryRow(ctx, query, orgID).Scan(
		&m.TotalCalls, &m.ActiveCalls, &m.CompletedCalls, &m.FailedCalls,
		&m.CancelledCalls, &m.TotalDurationSeconds, &m.TotalCostCents,
	)
	if err != nil {
		return Metrics{}, apperr.Wrap(apperr.KindUnavailable, "failed to aggregate call metrics", err).WithOp("calls.AggregateMetrics")
	}
	return m, nil
}

func (r *Repository) scanCall(row pgx.Row) (domain.Call, error) {
	var (
		call  domain.Call
		start *time.Time
		end   *time.Time
	)
	err := row.Scan(
		&call.ID, &call.OrganizationID, &call.ExternalCallID, &call.CalleeNumber, &call.AgentName,
		&call.Status, &call.DurationSeconds, &call.Transcript, &call.RecordingURL, &call.CostCents,
		&start, &end, &call.CreatedAt, &call.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Call{}, apperr.NotFound(callNotFoundMsg)
		}
		return domain.Call{}, apperr.Wrap(apperr.KindUnavailable, "failed to load call", err).WithOp("calls.scan")
	}
	call.StartedAt = start
	call.EndedAt = end
	return call, nil
}
