// Package poller implements the fallback polling side of call ingestion:
// when webhooks are delayed or lost, a per-call poll session periodically
// pulls the provider's view and feeds it through the same ingestion pipeline
// the webhook handler uses.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"voicegrid_backend/internal/calls/domain"
	"voicegrid_backend/internal/calls/provider"
	"voicegrid_backend/internal/calls/service"
	"voicegrid_backend/platform/apperr"
	"voicegrid_backend/platform/config"
	"voicegrid_backend/platform/logger"

	"github.com/google/uuid"
)

// storeTimeout bounds the per-tick store read independently of the
// session's overall wall-clock budget.
const storeTimeout = 5 * time.Second

// Store is the subset of the call store a poll tick needs.
type Store interface {
	GetByID(ctx context.Context, id, orgID uuid.UUID) (domain.Call, error)
}

// Applier runs a snapshot through the shared ingestion pipeline.
type Applier interface {
	Apply(ctx context.Context, call domain.Call, snapshot domain.Snapshot, source string) (service.ApplyResult, error)
}

// SessionInfo is a read-only view of one active session for introspection.
type SessionInfo struct {
	ExternalCallID string
	InternalCallID uuid.UUID
	OrganizationID uuid.UUID
	Attempts       int
	Elapsed        time.Duration
}

// session is the ephemeral per-call polling state. It owns its cancel
// function; cancelling tears the session's goroutine down.
type session struct {
	externalID string
	callID     uuid.UUID
	orgID      uuid.UUID
	startTime  time.Time
	cancel     context.CancelFunc

	attempts          atomic.Int32
	consecutiveErrors atomic.Int32
}

// Scheduler owns at most one poll session per external call id. All
// registry mutations go through its mutex; the timers themselves never
// touch shared state.
type Scheduler struct {
	mu       sync.Mutex
	sessions map[string]*session

	store    Store
	provider provider.Client
	applier  Applier
	log      *logger.Logger

	interval       time.Duration
	maxDuration    time.Duration
	errorThreshold int
}

// New creates a poll scheduler with bounds from config.
func New(store Store, providerClient provider.Client, applier Applier, cfg config.PollConfig, log *logger.Logger) *Scheduler {
	return &Scheduler{
		sessions:       make(map[string]*session),
		store:          store,
		provider:       providerClient,
		applier:        applier,
		log:            log,
		interval:       cfg.GetPollInterval(),
		maxDuration:    cfg.GetPollMaxDuration(),
		errorThreshold: cfg.GetPollErrorThreshold(),
	}
}

// Start begins polling for an external call id. Starting a session for an
// id that already has one is a no-op: at most one poller per call.
func (s *Scheduler) Start(externalCallID string, internalCallID, orgID uuid.UUID) {
	if externalCallID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[externalCallID]; exists {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		externalID: externalCallID,
		callID:     internalCallID,
		orgID:      orgID,
		startTime:  time.Now(),
		cancel:     cancel,
	}
	s.sessions[externalCallID] = sess

	s.log.PollSessionEvent("started", externalCallID, 0, "")
	go s.run(ctx, sess)
}

// Stop ends the session for an external call id. Idempotent; safe to call
// from any path, including the webhook handler after a terminal update.
func (s *Scheduler) Stop(externalCallID string) {
	s.mu.Lock()
	sess, exists := s.sessions[externalCallID]
	if exists {
		delete(s.sessions, externalCallID)
	}
	s.mu.Unlock()

	if exists {
		sess.cancel()
		s.log.PollSessionEvent("stopped", externalCallID, int(sess.attempts.Load()), "")
	}
}

// stopOwn removes exactly this session from the registry. A session's own
// goroutine must use this instead of Stop: the id may have been stopped and
// re-registered to a new session while a tick was in flight, and the old
// goroutine must not tear the replacement down.
func (s *Scheduler) stopOwn(sess *session) {
	s.mu.Lock()
	current, registered := s.sessions[sess.externalID]
	owned := registered && current == sess
	if owned {
		delete(s.sessions, sess.externalID)
	}
	s.mu.Unlock()

	sess.cancel()
	if owned {
		s.log.PollSessionEvent("stopped", sess.externalID, int(sess.attempts.Load()), "")
	}
}

// StopAll tears down every session; used on shutdown.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	all := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.sessions = make(map[string]*session)
	s.mu.Unlock()

	for _, sess := range all {
		sess.cancel()
	}
}

// Sessions returns a snapshot of all active sessions for introspection.
func (s *Scheduler) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, SessionInfo{
			ExternalCallID: sess.externalID,
			InternalCallID: sess.callID,
			OrganizationID: sess.orgID,
			Attempts:       int(sess.attempts.Load()),
			Elapsed:        time.Since(sess.startTime),
		})
	}
	return out
}

func (s *Scheduler) run(ctx context.Context, sess *session) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.tick(ctx, sess) {
				s.stopOwn(sess)
				return
			}
		}
	}
}

// maxAttempts derives the attempt bound from the wall-clock budget.
func (s *Scheduler) maxAttempts() int {
	n := int(s.maxDuration / s.interval)
	if n < 1 {
		n = 1
	}
	return n
}

// tick runs one poll attempt and reports whether the session should stop.
func (s *Scheduler) tick(ctx context.Context, sess *session) bool {
	attempts := int(sess.attempts.Add(1))

	// Bounded both by attempt count and elapsed wall clock, whichever first.
	if attempts > s.maxAttempts() || time.Since(sess.startTime) > s.maxDuration {
		s.log.PollSessionEvent("expired", sess.externalID, attempts, "budget exhausted")
		return true
	}

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	call, err := s.store.GetByID(storeCtx, sess.callID, sess.orgID)
	cancel()
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			s.log.PollSessionEvent("stopped", sess.externalID, attempts, "call no longer exists")
			return true
		}
		// Store unavailable: skip this tick, the session keeps its budget.
		s.log.DatabaseError("poller.GetByID", err)
		return false
	}

	if call.Status.IsTerminal() {
		return true
	}

	snapshot, err := s.provider.GetSnapshot(ctx, sess.externalID)
	if err != nil {
		errCount := int(sess.consecutiveErrors.Add(1))
		if errCount >= s.errorThreshold {
			// Abandon: we can no longer observe this call. Its stored state
			// is left untouched; this is not a call failure.
			s.log.PollSessionEvent("abandoned", sess.externalID, attempts, "provider error threshold reached")
			return true
		}
		return false
	}

	if snapshot.IsEmpty() {
		return false
	}
	sess.consecutiveErrors.Store(0)

	// The session may have been stopped while the fetch was in flight; the
	// result of such a fetch is discarded, never applied.
	if ctx.Err() != nil {
		return true
	}

	result, err := s.applier.Apply(ctx, call, snapshot, "poll")
	if err != nil {
		s.log.Error("poll apply failed", "external_call_id", sess.externalID, "error", err)
		return false
	}

	return result.Terminal
}
