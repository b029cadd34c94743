package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"voicegrid_backend/internal/calls/domain"
	"voicegrid_backend/internal/calls/provider"
	"voicegrid_backend/internal/calls/service"
	"voicegrid_backend/platform/apperr"
	"voicegrid_backend/platform/logger"

	"github.com/google/uuid"
)

// ---- fakes ----

type pollConfig struct {
	interval       time.Duration
	maxDuration    time.Duration
	errorThreshold int
}

func (c pollConfig) GetPollInterval() time.Duration    { return c.interval }
func (c pollConfig) GetPollMaxDuration() time.Duration { return c.maxDuration }
func (c pollConfig) GetPollErrorThreshold() int        { return c.errorThreshold }

type fakeStore struct {
	mu    sync.Mutex
	calls map[uuid.UUID]domain.Call
	err   error
}

func (s *fakeStore) set(c domain.Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[uuid.UUID]domain.Call)
	}
	s.calls[c.ID] = c
}

func (s *fakeStore) GetByID(_ context.Context, id, orgID uuid.UUID) (domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return domain.Call{}, s.err
	}
	c, ok := s.calls[id]
	if !ok || c.OrganizationID != orgID {
		return domain.Call{}, apperr.NotFound("call not found")
	}
	return c, nil
}

type fakeProvider struct {
	mu       sync.Mutex
	snapshot domain.Snapshot
	err      error
	fetches  int
}

func (p *fakeProvider) GetSnapshot(context.Context, string) (domain.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetches++
	if p.err != nil {
		return domain.Snapshot{}, p.err
	}
	return p.snapshot, nil
}

func (p *fakeProvider) PlaceCall(context.Context, provider.PlaceCallRequest) (string, error) {
	return "", nil
}

func (p *fakeProvider) EndCall(context.Context, string) error { return nil }

type applied struct {
	call     domain.Call
	snapshot domain.Snapshot
	source   string
}

type fakeApplier struct {
	mu       sync.Mutex
	applied  []applied
	terminal bool
	err      error
}

func (a *fakeApplier) Apply(_ context.Context, call domain.Call, snapshot domain.Snapshot, source string) (service.ApplyResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return service.ApplyResult{}, a.err
	}
	a.applied = append(a.applied, applied{call: call, snapshot: snapshot, source: source})
	return service.ApplyResult{Call: call, Changed: true, Terminal: a.terminal}, nil
}

func (a *fakeApplier) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.applied)
}

func newScheduler(store *fakeStore, prov *fakeProvider, app *fakeApplier, cfg pollConfig) *Scheduler {
	return New(store, prov, app, cfg, logger.New("test"))
}

func testConfig() pollConfig {
	return pollConfig{interval: 10 * time.Second, maxDuration: 10 * time.Minute, errorThreshold: 5}
}

func ringingCall() domain.Call {
	return domain.Call{
		ID:             uuid.New(),
		OrganizationID: uuid.New(),
		Status:         domain.StatusRinging,
	}
}

func newSession(c domain.Call, externalID string) *session {
	_, cancel := context.WithCancel(context.Background())
	return &session{
		externalID: externalID,
		callID:     c.ID,
		orgID:      c.OrganizationID,
		startTime:  time.Now(),
		cancel:     cancel,
	}
}

// ---- registry ----

func TestStartIsOnePerExternalID(t *testing.T) {
	s := newScheduler(&fakeStore{}, &fakeProvider{}, &fakeApplier{}, testConfig())
	defer s.StopAll()

	c := ringingCall()
	s.Start("ext-1", c.ID, c.OrganizationID)
	s.Start("ext-1", c.ID, c.OrganizationID)
	s.Start("", c.ID, c.OrganizationID)

	sessions := s.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("active sessions = %d, want 1", len(sessions))
	}
	if sessions[0].ExternalCallID != "ext-1" {
		t.Errorf("session id = %s", sessions[0].ExternalCallID)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := newScheduler(&fakeStore{}, &fakeProvider{}, &fakeApplier{}, testConfig())

	c := ringingCall()
	s.Start("ext-1", c.ID, c.OrganizationID)
	s.Stop("ext-1")
	s.Stop("ext-1")
	s.Stop("never-existed")

	if got := len(s.Sessions()); got != 0 {
		t.Errorf("active sessions = %d, want 0", got)
	}
}

func TestStopAll(t *testing.T) {
	s := newScheduler(&fakeStore{}, &fakeProvider{}, &fakeApplier{}, testConfig())

	for _, id := range []string{"ext-1", "ext-2", "ext-3"} {
		c := ringingCall()
		s.Start(id, c.ID, c.OrganizationID)
	}
	s.StopAll()

	if got := len(s.Sessions()); got != 0 {
		t.Errorf("active sessions = %d, want 0", got)
	}
}

func TestFinishedSessionDoesNotStopItsReplacement(t *testing.T) {
	s := newScheduler(&fakeStore{}, &fakeProvider{}, &fakeApplier{}, testConfig())
	defer s.StopAll()

	// The old goroutine finished a terminal tick after its id was stopped
	// and re-registered; it must only remove itself, never the new session.
	old := ringingCall()
	stale := newSession(old, "ext-1")

	replacement := ringingCall()
	s.Start("ext-1", replacement.ID, replacement.OrganizationID)

	s.stopOwn(stale)

	sessions := s.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("active sessions = %d, want the replacement to survive", len(sessions))
	}
	if sessions[0].InternalCallID != replacement.ID {
		t.Errorf("surviving session call id = %s, want %s", sessions[0].InternalCallID, replacement.ID)
	}

	// Once its entry is gone, stopOwn cleans it up.
	s.Stop("ext-1")
	s.stopOwn(stale)
	if got := len(s.Sessions()); got != 0 {
		t.Errorf("active sessions = %d, want 0", got)
	}
}

// ---- tick behavior ----

func TestTickAppliesSnapshot(t *testing.T) {
	store := &fakeStore{}
	prov := &fakeProvider{snapshot: domain.Snapshot{Status: "in-progress"}}
	app := &fakeApplier{}
	s := newScheduler(store, prov, app, testConfig())

	c := ringingCall()
	store.set(c)
	sess := newSession(c, "ext-1")

	if stop := s.tick(context.Background(), sess); stop {
		t.Fatal("non-terminal apply should keep the session")
	}
	if app.count() != 1 {
		t.Fatalf("applied %d snapshots, want 1", app.count())
	}
	if app.applied[0].source != "poll" {
		t.Errorf("source = %s, want poll", app.applied[0].source)
	}
}

func TestTickStopsOnTerminalResult(t *testing.T) {
	store := &fakeStore{}
	prov := &fakeProvider{snapshot: domain.Snapshot{Status: "completed"}}
	app := &fakeApplier{terminal: true}
	s := newScheduler(store, prov, app, testConfig())

	c := ringingCall()
	store.set(c)

	if stop := s.tick(context.Background(), newSession(c, "ext-1")); !stop {
		t.Error("terminal apply result should stop the session")
	}
}

func TestTickStopsWhenCallAlreadyTerminal(t *testing.T) {
	store := &fakeStore{}
	prov := &fakeProvider{}
	app := &fakeApplier{}
	s := newScheduler(store, prov, app, testConfig())

	c := ringingCall()
	c.Status = domain.StatusCompleted
	store.set(c)

	if stop := s.tick(context.Background(), newSession(c, "ext-1")); !stop {
		t.Error("terminal stored call should stop the session")
	}
	if prov.fetches != 0 {
		t.Errorf("provider fetched %d times for a terminal call", prov.fetches)
	}
}

func TestTickStopsWhenCallDeleted(t *testing.T) {
	s := newScheduler(&fakeStore{}, &fakeProvider{}, &fakeApplier{}, testConfig())

	if stop := s.tick(context.Background(), newSession(ringingCall(), "ext-1")); !stop {
		t.Error("missing call should stop the session")
	}
}

func TestTickSkipsOnStoreOutage(t *testing.T) {
	store := &fakeStore{err: apperr.Unavailable("db down")}
	s := newScheduler(store, &fakeProvider{}, &fakeApplier{}, testConfig())

	if stop := s.tick(context.Background(), newSession(ringingCall(), "ext-1")); stop {
		t.Error("store outage should skip the tick, not end the session")
	}
}

func TestTickAbandonsAfterConsecutiveProviderErrors(t *testing.T) {
	store := &fakeStore{}
	prov := &fakeProvider{err: apperr.Transient("provider down")}
	app := &fakeApplier{}
	cfg := testConfig()
	cfg.errorThreshold = 3
	s := newScheduler(store, prov, app, cfg)

	c := ringingCall()
	store.set(c)
	sess := newSession(c, "ext-1")

	for i := 1; i <= 2; i++ {
		if stop := s.tick(context.Background(), sess); stop {
			t.Fatalf("tick %d stopped before the threshold", i)
		}
	}
	if stop := s.tick(context.Background(), sess); !stop {
		t.Fatal("threshold reached, session should be abandoned")
	}

	// Abandonment never touches the stored call.
	if app.count() != 0 {
		t.Errorf("abandoned session applied %d snapshots", app.count())
	}
}

func TestTickErrorCountResetsOnSuccess(t *testing.T) {
	store := &fakeStore{}
	prov := &fakeProvider{err: apperr.Transient("provider down")}
	app := &fakeApplier{}
	cfg := testConfig()
	cfg.errorThreshold = 3
	s := newScheduler(store, prov, app, cfg)

	c := ringingCall()
	store.set(c)
	sess := newSession(c, "ext-1")

	s.tick(context.Background(), sess)
	s.tick(context.Background(), sess)

	prov.mu.Lock()
	prov.err = nil
	prov.snapshot = domain.Snapshot{Status: "in-progress"}
	prov.mu.Unlock()
	if stop := s.tick(context.Background(), sess); stop {
		t.Fatal("successful tick should not stop the session")
	}

	prov.mu.Lock()
	prov.err = apperr.Transient("provider down")
	prov.mu.Unlock()
	for i := 0; i < 2; i++ {
		if stop := s.tick(context.Background(), sess); stop {
			t.Fatal("error count should have reset after the successful fetch")
		}
	}
}

func TestTickIgnoresEmptySnapshot(t *testing.T) {
	store := &fakeStore{}
	prov := &fakeProvider{}
	app := &fakeApplier{}
	s := newScheduler(store, prov, app, testConfig())

	c := ringingCall()
	store.set(c)

	if stop := s.tick(context.Background(), newSession(c, "ext-1")); stop {
		t.Error("empty snapshot should not stop the session")
	}
	if app.count() != 0 {
		t.Errorf("empty snapshot applied %d times", app.count())
	}
}

func TestTickBudgetExhaustion(t *testing.T) {
	store := &fakeStore{}
	app := &fakeApplier{}
	cfg := testConfig()
	s := newScheduler(store, &fakeProvider{}, app, cfg)

	c := ringingCall()
	store.set(c)
	sess := newSession(c, "ext-1")
	sess.attempts.Store(int32(s.maxAttempts()))

	if stop := s.tick(context.Background(), sess); !stop {
		t.Error("attempt budget exhausted, session should expire")
	}

	// Wall clock bound fires independently of attempt count.
	late := newSession(c, "ext-2")
	late.startTime = time.Now().Add(-cfg.maxDuration - time.Minute)
	if stop := s.tick(context.Background(), late); !stop {
		t.Error("wall-clock budget exhausted, session should expire")
	}
}

func TestTickDiscardsResultAfterStop(t *testing.T) {
	store := &fakeStore{}
	prov := &fakeProvider{snapshot: domain.Snapshot{Status: "in-progress"}}
	app := &fakeApplier{}
	s := newScheduler(store, prov, app, testConfig())

	c := ringingCall()
	store.set(c)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A cancelled session context means Stop won the race; the fetched
	// snapshot must not be applied.
	if stop := s.tick(ctx, newSession(c, "ext-1")); !stop {
		t.Error("cancelled session should report stop")
	}
	if app.count() != 0 {
		t.Errorf("cancelled session applied %d snapshots", app.count())
	}
}

// ---- end to end with real timers ----

func TestSessionPollsUntilTerminal(t *testing.T) {
	store := &fakeStore{}
	prov := &fakeProvider{snapshot: domain.Snapshot{Status: "completed"}}
	app := &fakeApplier{terminal: true}
	cfg := pollConfig{interval: 5 * time.Millisecond, maxDuration: time.Second, errorThreshold: 5}
	s := newScheduler(store, prov, app, cfg)
	defer s.StopAll()

	c := ringingCall()
	store.set(c)
	s.Start("ext-1", c.ID, c.OrganizationID)

	deadline := time.After(time.Second)
	for len(s.Sessions()) > 0 {
		select {
		case <-deadline:
			t.Fatal("session did not stop after terminal apply")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if app.count() == 0 {
		t.Fatal("no snapshot was applied")
	}
}
