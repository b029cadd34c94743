package service

import (
	"context"
	"testing"

	"voicegrid_backend/internal/calls/domain"
	"voicegrid_backend/internal/calls/repository"
	"voicegrid_backend/internal/calls/transport"
	"voicegrid_backend/internal/events"
	"voicegrid_backend/platform/apperr"
	"voicegrid_backend/platform/logger"

	"github.com/google/uuid"
)

// ---- fakes ----

type fakeStore struct {
	byID        map[uuid.UUID]domain.Call
	byExternal  map[string]domain.Call
	applied     []domain.Call
	applyErr    error
	metricsErr  error
	metricCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byID:       make(map[uuid.UUID]domain.Call),
		byExternal: make(map[string]domain.Call),
	}
}

func (s *fakeStore) put(c domain.Call) {
	s.byID[c.ID] = c
	if c.ExternalCallID != nil {
		s.byExternal[*c.ExternalCallID] = c
	}
}

func (s *fakeStore) GetByID(_ context.Context, id, orgID uuid.UUID) (domain.Call, error) {
	c, ok := s.byID[id]
	if !ok || c.OrganizationID != orgID {
		return domain.Call{}, apperr.NotFound("call not found")
	}
	return c, nil
}

func (s *fakeStore) GetByExternalID(_ context.Context, externalID string) (domain.Call, error) {
	c, ok := s.byExternal[externalID]
	if !ok {
		return domain.Call{}, apperr.NotFound("call not found")
	}
	return c, nil
}

// lifecycleRank mirrors the phase ordering the store's UPDATE guard encodes.
func lifecycleRank(s domain.Status) int {
	switch s {
	case domain.StatusInitiated:
		return 0
	case domain.StatusRinging:
		return 1
	case domain.StatusInProgress:
		return 2
	default:
		return 3
	}
}

// ApplyReconciled enforces the same guard as the SQL UPDATE: a terminal row
// accepts only its own status, and a status write never moves a row
// backward in lifecycle order.
func (s *fakeStore) ApplyReconciled(_ context.Context, call domain.Call) error {
	if s.applyErr != nil {
		return s.applyErr
	}
	stored, ok := s.byID[call.ID]
	if !ok {
		return apperr.NotFound("call not found")
	}
	if stored.Status.IsTerminal() && stored.Status != call.Status {
		return repository.ErrStaleWrite
	}
	if lifecycleRank(call.Status) < lifecycleRank(stored.Status) {
		return repository.ErrStaleWrite
	}
	s.applied = append(s.applied, call)
	s.put(call)
	return nil
}

func (s *fakeStore) AggregateMetrics(_ context.Context, _ uuid.UUID) (repository.Metrics, error) {
	s.metricCalls++
	if s.metricsErr != nil {
		return repository.Metrics{}, s.metricsErr
	}
	return repository.Metrics{TotalCalls: len(s.byID)}, nil
}

type fanoutCall struct {
	orgID uuid.UUID
	event string
}

type fakeFanout struct {
	published []fanoutCall
}

func (f *fakeFanout) Publish(_ context.Context, orgID uuid.UUID, event string, _ any) error {
	f.published = append(f.published, fanoutCall{orgID: orgID, event: event})
	return nil
}

type fakeStopper struct {
	stopped []string
}

func (f *fakeStopper) Stop(externalCallID string) {
	f.stopped = append(f.stopped, externalCallID)
}

type fakeBus struct {
	events []events.Event
}

func (b *fakeBus) Publish(_ context.Context, e events.Event)          { b.events = append(b.events, e) }
func (b *fakeBus) PublishSync(_ context.Context, e events.Event) error {
	b.events = append(b.events, e)
	return nil
}
func (b *fakeBus) Subscribe(string, events.Handler) {}

type harness struct {
	store   *fakeStore
	fan     *fakeFanout
	stopper *fakeStopper
	bus     *fakeBus
	ing     *Ingestor
}

func newHarness() *harness {
	store := newFakeStore()
	fan := &fakeFanout{}
	stopper := &fakeStopper{}
	bus := &fakeBus{}
	ing := NewIngestor(store, domain.NewReconciler(nil), fan, bus, logger.New("test"))
	ing.SetSessionStopper(stopper)
	return &harness{store: store, fan: fan, stopper: stopper, bus: bus, ing: ing}
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func activeCall(external string) domain.Call {
	c := domain.Call{
		ID:             uuid.New(),
		OrganizationID: uuid.New(),
		CalleeNumber:   "+31612345678",
		Status:         domain.StatusRinging,
	}
	if external != "" {
		c.ExternalCallID = strPtr(external)
	}
	return c
}

// ---- Resolve ----

func TestResolvePrefersCorrelation(t *testing.T) {
	h := newHarness()

	correlated := activeCall("ext-a")
	decoy := activeCall("ext-b")
	h.store.put(correlated)
	h.store.put(decoy)

	got, err := h.ing.Resolve(context.Background(), &transport.WebhookCorrelation{
		InternalCallID: correlated.ID,
		OrganizationID: correlated.OrganizationID,
	}, "ext-b")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != correlated.ID {
		t.Errorf("resolved %s, want correlated call %s", got.ID, correlated.ID)
	}
}

func TestResolveFallsBackToExternalID(t *testing.T) {
	h := newHarness()

	call := activeCall("ext-1")
	h.store.put(call)

	// Correlation points at a call that does not exist.
	got, err := h.ing.Resolve(context.Background(), &transport.WebhookCorrelation{
		InternalCallID: uuid.New(),
		OrganizationID: uuid.New(),
	}, "ext-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != call.ID {
		t.Errorf("resolved %s, want %s", got.ID, call.ID)
	}
}

func TestResolveUnmatched(t *testing.T) {
	h := newHarness()

	_, err := h.ing.Resolve(context.Background(), nil, "unknown-ext")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not-found, got %v", err)
	}

	_, err = h.ing.Resolve(context.Background(), nil, "")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not-found for empty external id, got %v", err)
	}
}

// ---- Apply ----

func TestApplyPersistsAndFansOutInOrder(t *testing.T) {
	h := newHarness()
	call := activeCall("ext-1")
	h.store.put(call)

	result, err := h.ing.Apply(context.Background(), call, domain.Snapshot{Status: "in-progress"}, "webhook")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !result.Changed {
		t.Fatal("expected a change")
	}
	if result.Call.Status != domain.StatusInProgress {
		t.Errorf("status = %s, want in_progress", result.Call.Status)
	}
	if len(h.store.applied) != 1 {
		t.Fatalf("applied %d writes, want 1", len(h.store.applied))
	}

	// Call update first, then the metrics refresh.
	if len(h.fan.published) != 2 {
		t.Fatalf("published %d fanout events, want 2", len(h.fan.published))
	}
	if h.fan.published[0].event != "call_updated" || h.fan.published[1].event != "metrics_updated" {
		t.Errorf("fanout order = %s, %s", h.fan.published[0].event, h.fan.published[1].event)
	}
	if h.fan.published[0].orgID != call.OrganizationID {
		t.Errorf("fanout org = %s, want %s", h.fan.published[0].orgID, call.OrganizationID)
	}

	if len(h.bus.events) != 1 {
		t.Fatalf("bus events = %d, want 1", len(h.bus.events))
	}
	e, ok := h.bus.events[0].(events.CallUpdated)
	if !ok {
		t.Fatalf("unexpected event type %T", h.bus.events[0])
	}
	if e.OldStatus != "ringing" || e.NewStatus != "in_progress" || e.Source != "webhook" {
		t.Errorf("event = %+v", e)
	}
}

func TestApplyDuplicateSnapshotIsSilent(t *testing.T) {
	h := newHarness()
	call := activeCall("ext-1")
	h.store.put(call)

	snap := domain.Snapshot{Status: "in-progress"}

	first, err := h.ing.Apply(context.Background(), call, snap, "webhook")
	if err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	if !first.Changed {
		t.Fatal("first apply should change")
	}

	second, err := h.ing.Apply(context.Background(), first.Call, snap, "poll")
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if second.Changed {
		t.Error("duplicate snapshot should not change")
	}
	if len(h.store.applied) != 1 {
		t.Errorf("applied %d writes, want 1", len(h.store.applied))
	}
	if len(h.fan.published) != 2 {
		t.Errorf("published %d fanout events, want 2 (no fanout for duplicate)", len(h.fan.published))
	}
}

func TestApplyStaleSnapshotAbsorbed(t *testing.T) {
	h := newHarness()
	call := activeCall("ext-1")
	call.Status = domain.StatusInProgress
	h.store.put(call)

	result, err := h.ing.Apply(context.Background(), call, domain.Snapshot{Status: "ringing"}, "poll")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if result.Changed {
		t.Error("stale snapshot must not change the call")
	}
	if result.Call.Status != domain.StatusInProgress {
		t.Errorf("status = %s, want in_progress preserved", result.Call.Status)
	}
	if len(h.fan.published) != 0 {
		t.Errorf("stale snapshot fanned out %d events", len(h.fan.published))
	}
}

func TestApplyTerminalStopsPolling(t *testing.T) {
	h := newHarness()
	call := activeCall("ext-1")
	h.store.put(call)

	result, err := h.ing.Apply(context.Background(), call, domain.Snapshot{Status: "completed", DurationSeconds: intPtr(42)}, "webhook")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !result.Terminal {
		t.Fatal("expected terminal result")
	}
	if len(h.stopper.stopped) != 1 || h.stopper.stopped[0] != "ext-1" {
		t.Errorf("stopped sessions = %v, want [ext-1]", h.stopper.stopped)
	}
}

func TestApplyTerminalDuplicateStillStopsSession(t *testing.T) {
	h := newHarness()
	call := activeCall("ext-1")
	call.Status = domain.StatusCompleted
	h.store.put(call)

	// A repeat terminal snapshot changes nothing, but any session still
	// running for this call must end.
	result, err := h.ing.Apply(context.Background(), call, domain.Snapshot{Status: "completed"}, "poll")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if result.Changed {
		t.Error("unexpected change")
	}
	if len(h.stopper.stopped) != 1 {
		t.Errorf("stopped = %v, want one stop", h.stopper.stopped)
	}
}

func TestApplyTerminalRaceAbsorbed(t *testing.T) {
	h := newHarness()

	// Both paths read the call at ringing; the concurrent writer then
	// persisted failed before this Apply ran.
	staleRead := activeCall("ext-1")
	h.store.put(staleRead)
	winner := staleRead
	winner.Status = domain.StatusFailed
	h.store.put(winner)

	result, err := h.ing.Apply(context.Background(), staleRead, domain.Snapshot{Status: "completed"}, "poll")
	if err != nil {
		t.Fatalf("stale write must be absorbed, got %v", err)
	}
	if result.Changed {
		t.Error("voided write must report unchanged")
	}
	if !result.Terminal {
		t.Error("concurrent writer won with a terminal state")
	}
	if result.Call.Status != domain.StatusFailed {
		t.Errorf("result status = %s, want the winner's failed", result.Call.Status)
	}
	if len(h.fan.published) != 0 {
		t.Errorf("voided write fanned out %d events", len(h.fan.published))
	}
	if len(h.stopper.stopped) != 1 {
		t.Errorf("stopped = %v, want one stop", h.stopper.stopped)
	}
}

func TestApplyConcurrentStaleReadsNeverRegress(t *testing.T) {
	h := newHarness()

	call := activeCall("ext-1")
	call.Status = domain.StatusInitiated
	h.store.put(call)

	// Webhook and poll both read the call at initiated before either wrote.
	staleRead := call

	poll, err := h.ing.Apply(context.Background(), staleRead, domain.Snapshot{Status: "answered"}, "poll")
	if err != nil {
		t.Fatalf("poll Apply: %v", err)
	}
	if !poll.Changed || poll.Call.Status != domain.StatusInProgress {
		t.Fatalf("poll result = %+v, want in_progress change", poll)
	}

	webhook, err := h.ing.Apply(context.Background(), staleRead, domain.Snapshot{Status: "ringing"}, "webhook")
	if err != nil {
		t.Fatalf("webhook Apply must absorb the lost race, got %v", err)
	}
	if webhook.Changed {
		t.Error("lost race must report unchanged")
	}
	if webhook.Terminal {
		t.Error("winner was non-terminal; the session must keep running")
	}
	if webhook.Call.Status != domain.StatusInProgress {
		t.Errorf("result status = %s, want the winner's in_progress", webhook.Call.Status)
	}

	// The persisted sequence never decreases and the losing write never
	// fans out.
	if got := h.store.byID[call.ID].Status; got != domain.StatusInProgress {
		t.Errorf("stored status = %s, want in_progress", got)
	}
	if len(h.store.applied) != 1 {
		t.Errorf("applied %d writes, want 1", len(h.store.applied))
	}
	if len(h.fan.published) != 2 {
		t.Errorf("published %d fanout events, want only the winner's pair", len(h.fan.published))
	}
	if len(h.stopper.stopped) != 0 {
		t.Errorf("stopped = %v, want no stops", h.stopper.stopped)
	}
}

func TestApplyStoreFailurePropagates(t *testing.T) {
	h := newHarness()
	call := activeCall("ext-1")
	h.store.put(call)
	h.store.applyErr = apperr.Unavailable("db down")

	_, err := h.ing.Apply(context.Background(), call, domain.Snapshot{Status: "completed"}, "webhook")
	if err == nil {
		t.Fatal("expected store error to propagate")
	}
	if len(h.fan.published) != 0 {
		t.Error("failed write must not fan out")
	}
}

func TestApplyLateBackfillOnTerminalCall(t *testing.T) {
	h := newHarness()
	call := activeCall("ext-1")
	call.Status = domain.StatusCompleted
	call.DurationSeconds = 42
	h.store.put(call)

	result, err := h.ing.Apply(context.Background(), call, domain.Snapshot{
		Status:     "completed",
		Transcript: strPtr("hello world"),
	}, "webhook")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !result.Changed {
		t.Fatal("late transcript backfill should count as a change")
	}
	if result.Call.Transcript == nil || *result.Call.Transcript != "hello world" {
		t.Error("transcript not backfilled")
	}
	if result.Call.Status != domain.StatusCompleted {
		t.Errorf("terminal status moved to %s", result.Call.Status)
	}
}
