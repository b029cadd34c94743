// Package service implements the shared ingestion pipeline applied to every
// provider snapshot, regardless of whether it arrived by webhook push or by
// poll. Divergent merge logic between the two paths is the primary bug class
// this module exists to prevent, so this is the only place that reconciles,
// persists, and fans out.
package service

import (
	"context"
	"errors"

	"voicegrid_backend/internal/calls/domain"
	"voicegrid_backend/internal/calls/repository"
	"voicegrid_backend/internal/calls/transport"
	"voicegrid_backend/internal/events"
	"voicegrid_backend/internal/fanout"
	"voicegrid_backend/platform/apperr"
	"voicegrid_backend/platform/logger"

	"github.com/google/uuid"
)

// Store is the call store contract the ingestor needs.
type Store interface {
	GetByID(ctx context.Context, id, orgID uuid.UUID) (domain.Call, error)
	GetByExternalID(ctx context.Context, externalID string) (domain.Call, error)
	ApplyReconciled(ctx context.Context, call domain.Call) error
	AggregateMetrics(ctx context.Context, orgID uuid.UUID) (repository.Metrics, error)
}

// SessionStopper terminates a poll session early. Stopping a session that
// does not exist is a no-op.
type SessionStopper interface {
	Stop(externalCallID string)
}

// noopStopper is used until the poll scheduler is attached.
type noopStopper struct{}

func (noopStopper) Stop(string) {}

// ApplyResult reports what a single snapshot application did.
type ApplyResult struct {
	Call     domain.Call
	Changed  bool
	Terminal bool
}

// Ingestor applies provider snapshots to stored calls. One instance is
// shared by the webhook handler and the poll scheduler.
type Ingestor struct {
	store      Store
	reconciler *domain.Reconciler
	fan        fanout.Fanout
	bus        events.Bus
	sessions   SessionStopper
	log        *logger.Logger
}

// NewIngestor creates the shared ingestion pipeline. The poll scheduler is
// attached later via SetSessionStopper because it depends on the ingestor
// itself.
func NewIngestor(store Store, reconciler *domain.Reconciler, fan fanout.Fanout, bus events.Bus, log *logger.Logger) *Ingestor {
	return &Ingestor{
		store:      store,
		reconciler: reconciler,
		fan:        fan,
		bus:        bus,
		sessions:   noopStopper{},
		log:        log,
	}
}

// SetSessionStopper attaches the poll scheduler so terminal updates can end
// its sessions early.
func (ing *Ingestor) SetSessionStopper(s SessionStopper) {
	ing.sessions = s
}

// Resolve finds the call a snapshot belongs to. The embedded correlation
// object is authoritative and preferred; external-id lookup is the fallback.
// Returns apperr.KindNotFound when nothing matches.
func (ing *Ingestor) Resolve(ctx context.Context, correlation *transport.WebhookCorrelation, externalID string) (domain.Call, error) {
	if correlation != nil && correlation.InternalCallID != uuid.Nil && correlation.OrganizationID != uuid.Nil {
		call, err := ing.store.GetByID(ctx, correlation.InternalCallID, correlation.OrganizationID)
		if err == nil {
			return call, nil
		}
		if !apperr.Is(err, apperr.KindNotFound) {
			return domain.Call{}, err
		}
		// Fall through: a bad correlation object should not lose the event
		// if the external id still resolves.
	}

	if externalID == "" {
		return domain.Call{}, apperr.NotFound("no call resolves for snapshot")
	}
	return ing.store.GetByExternalID(ctx, externalID)
}

// Apply runs one snapshot through reconcile → persist → fanout → metrics,
// and stops any poll session once the call is terminal.
//
// Stale and duplicate snapshots are absorbed: they produce no write and no
// fanout. Store failures are returned to the caller (the webhook handler
// maps them to 5xx; a poll tick logs and skips).
func (ing *Ingestor) Apply(ctx context.Context, call domain.Call, snapshot domain.Snapshot, source string) (ApplyResult, error) {
	if snapshot.Status != "" {
		duration := call.DurationSeconds
		if snapshot.DurationSeconds != nil {
			duration = *snapshot.DurationSeconds
		}
		if ing.reconciler.Normalize(snapshot.Status, duration) == domain.StatusUnknown {
			ing.log.Warn("unrecognized provider status",
				"status", snapshot.Status, "call_id", call.ID, "source", source)
		}
	}

	updated, changed := ing.reconciler.Reconcile(call, snapshot)
	result := ApplyResult{Call: updated, Changed: changed, Terminal: updated.Status.IsTerminal()}

	externalID := ""
	if updated.ExternalCallID != nil {
		externalID = *updated.ExternalCallID
	}

	if !changed {
		if result.Terminal {
			ing.sessions.Stop(externalID)
		}
		return result, nil
	}

	if err := ing.store.ApplyReconciled(ctx, updated); err != nil {
		if errors.Is(err, repository.ErrStaleWrite) {
			// A concurrent writer advanced the call first. Our result is
			// void; do not fan it out. Re-read so the caller sees the state
			// that won, not the one we computed.
			ing.log.Info("reconciled write discarded, concurrent update won",
				"call_id", updated.ID, "source", source)

			current, getErr := ing.store.GetByID(ctx, call.ID, call.OrganizationID)
			if getErr != nil {
				return ApplyResult{Call: call, Changed: false}, nil
			}
			if current.Status.IsTerminal() {
				ing.sessions.Stop(externalID)
			}
			return ApplyResult{Call: current, Changed: false, Terminal: current.Status.IsTerminal()}, nil
		}
		return ApplyResult{}, err
	}

	if call.Status != updated.Status {
		ing.log.StatusTransition(updated.ID.String(), externalID, string(call.Status), string(updated.Status), source)
	}

	// Fanout follows the write synchronously so subscribers observe events
	// in write order for this call. A fanout failure must not undo the
	// persisted reconciliation; it is logged inside the fanout.
	_ = ing.fan.Publish(ctx, updated.OrganizationID, fanout.EventCallUpdated, transport.NewCallView(updated))

	if metrics, err := ing.store.AggregateMetrics(ctx, updated.OrganizationID); err != nil {
		ing.log.DatabaseError("calls.AggregateMetrics", err)
	} else {
		_ = ing.fan.Publish(ctx, updated.OrganizationID, fanout.EventMetricsUpdated, metrics)
	}

	recordingURL := ""
	if updated.RecordingURL != nil {
		recordingURL = *updated.RecordingURL
	}
	ing.bus.Publish(ctx, events.CallUpdated{
		BaseEvent:      events.NewBaseEvent(),
		CallID:         updated.ID,
		OrganizationID: updated.OrganizationID,
		ExternalCallID: externalID,
		OldStatus:      string(call.Status),
		NewStatus:      string(updated.Status),
		Terminal:       result.Terminal,
		RecordingURL:   recordingURL,
		Source:         source,
	})

	if result.Terminal {
		ing.sessions.Stop(externalID)
	}

	return result, nil
}
