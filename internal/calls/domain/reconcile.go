package domain

import "strings"

// Reconciler merges provider snapshots into stored calls. A single instance
// is shared by the webhook handler and the poll scheduler so both paths
// apply identical rules. The zero value is not usable; construct with
// NewReconciler.
type Reconciler struct {
	aliases map[string]Status
}

// NewReconciler builds a Reconciler from the built-in alias table plus any
// configured overlay entries.
func NewReconciler(overlay map[string]Status) *Reconciler {
	aliases := defaultAliases()
	for raw, status := range overlay {
		aliases[raw] = status
	}
	return &Reconciler{aliases: aliases}
}

// Normalize maps an arbitrary provider status string to a canonical Status.
// A positive observed duration implies the conversation happened and forces
// completed, with one exception: a status that itself normalizes to failed or
// cancelled wins, since the reported duration may be stale or partial.
func (r *Reconciler) Normalize(providerStatus string, durationSeconds int) Status {
	mapped, ok := r.aliases[strings.ToLower(strings.TrimSpace(providerStatus))]

	if ok && (mapped == StatusFailed || mapped == StatusCancelled) {
		return mapped
	}
	if durationSeconds > 0 {
		return StatusCompleted
	}
	if !ok {
		return StatusUnknown
	}
	return mapped
}

// Reconcile applies a possibly partial snapshot to a stored call and returns
// the updated call plus whether anything actually changed.
//
// The merge is idempotent and safe against stale input: a terminal status is
// never left, a status never moves backward in lifecycle order, and fields
// are backfilled, never erased. Applying the same snapshot twice yields
// changed=false on the repeat. The function does no locking; atomicity of
// the read-modify-write is the store's job.
func (r *Reconciler) Reconcile(existing Call, in Snapshot) (Call, bool) {
	updated := existing
	changed := false

	if !existing.Status.IsTerminal() {
		duration := existing.DurationSeconds
		if in.DurationSeconds != nil {
			duration = *in.DurationSeconds
		}

		next := r.Normalize(in.Status, duration)
		switch {
		case in.Status == "" && in.DurationSeconds == nil:
			// No status information in this snapshot.
		case next == StatusUnknown:
			// Unrecognized provider strings never move stored state.
		case next.phaseRank() < existing.Status.phaseRank():
			// Stale status: discard it, field backfills below still apply.
		case next != existing.Status:
			updated.Status = next
			changed = true
		}
	}
	// A terminal call keeps its status forever, but late-arriving data
	// (transcript, recording, final duration) may still be backfilled.

	if backfill(&updated, in) {
		changed = true
	}

	return updated, changed
}

// backfill folds the snapshot's optional fields into the call, adding
// information without ever removing any. Returns true when a field acquired
// new data.
func backfill(call *Call, in Snapshot) bool {
	changed := false

	// Duration is monotonically non-decreasing once set.
	if in.DurationSeconds != nil && *in.DurationSeconds > call.DurationSeconds {
		call.DurationSeconds = *in.DurationSeconds
		changed = true
	}

	if in.Transcript != nil && *in.Transcript != "" {
		if call.Transcript == nil || *call.Transcript != *in.Transcript {
			transcript := *in.Transcript
			call.Transcript = &transcript
			changed = true
		}
	}

	if in.RecordingURL != nil && *in.RecordingURL != "" {
		if call.RecordingURL == nil || *call.RecordingURL != *in.RecordingURL {
			recordingURL := *in.RecordingURL
			call.RecordingURL = &recordingURL
			changed = true
		}
	}

	if in.CostCents != nil && *in.CostCents > call.CostCents {
		call.CostCents = *in.CostCents
		changed = true
	}

	// Timestamps are set once, never cleared.
	if in.StartedAt != nil && call.StartedAt == nil {
		startedAt := *in.StartedAt
		call.StartedAt = &startedAt
		changed = true
	}
	if in.EndedAt != nil && call.EndedAt == nil {
		endedAt := *in.EndedAt
		call.EndedAt = &endedAt
		changed = true
	}

	return changed
}
