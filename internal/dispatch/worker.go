package dispatch

import (
	"context"
	"fmt"

	"voicegrid_backend/internal/calls/domain"
	"voicegrid_backend/internal/calls/provider"
	"voicegrid_backend/internal/events"
	"voicegrid_backend/platform/apperr"
	"voicegrid_backend/platform/config"
	"voicegrid_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Store is the call store contract for placement.
type Store interface {
	GetByID(ctx context.Context, id, orgID uuid.UUID) (domain.Call, error)
	SetExternalID(ctx context.Context, id, orgID uuid.UUID, externalID string) error
}

// PollStarter begins the fallback poll session once a call has been placed.
type PollStarter interface {
	Start(externalCallID string, internalCallID, orgID uuid.UUID)
}

// Worker consumes placement tasks and talks to the provider.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux

	store    Store
	provider provider.Client
	poller   PollStarter
	bus      events.Bus
	log      *logger.Logger
}

// NewWorker creates the dispatch worker on the configured queue.
func NewWorker(cfg config.DispatchConfig, store Store, providerClient provider.Client, poller PollStarter, bus events.Bus, log *logger.Logger) (*Worker, error) {
	opt, err := redisClientOpt(cfg.GetRedisURL())
	if err != nil {
		return nil, err
	}

	queue := cfg.GetDispatchQueueName()
	if queue == "" {
		queue = "default"
	}

	concurrency := cfg.GetDispatchConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queue: 1,
		},
	})

	mux := asynq.NewServeMux()
	w := &Worker{
		server:   server,
		mux:      mux,
		store:    store,
		provider: providerClient,
		poller:   poller,
		bus:      bus,
		log:      log,
	}

	mux.HandleFunc(TaskPlaceCall, w.handlePlaceCall)

	return w, nil
}

// Run serves the queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("dispatch worker stopped", "error", err)
	}
}

func (w *Worker) handlePlaceCall(ctx context.Context, task *asynq.Task) error {
	payload, err := ParsePlaceCallPayload(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	callID, err := uuid.Parse(payload.CallID)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	orgID, err := uuid.Parse(payload.OrganizationID)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	call, err := w.store.GetByID(ctx, callID, orgID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return fmt.Errorf("call %s vanished before placement: %w", callID, asynq.SkipRetry)
		}
		return err
	}

	// Retried task after a partially-completed run, or a duplicate enqueue.
	if call.ExternalCallID != nil {
		w.poller.Start(*call.ExternalCallID, call.ID, call.OrganizationID)
		return nil
	}
	if call.Status.IsTerminal() {
		return nil
	}

	externalID, err := w.provider.PlaceCall(ctx, provider.PlaceCallRequest{
		CalleeNumber: call.CalleeNumber,
		AgentName:    call.AgentName,
		Metadata: map[string]string{
			"internalCallId": call.ID.String(),
			"organizationId": call.OrganizationID.String(),
		},
	})
	if err != nil {
		// Transient provider failures ride asynq's retry schedule.
		return err
	}

	if err := w.store.SetExternalID(ctx, call.ID, call.OrganizationID, externalID); err != nil {
		return err
	}

	w.log.WithCallID(call.ID.String()).WithExternalCallID(externalID).Info("call placed")

	w.bus.Publish(ctx, events.CallPlaced{
		BaseEvent:      events.NewBaseEvent(),
		CallID:         call.ID,
		OrganizationID: call.OrganizationID,
		ExternalCallID: externalID,
	})

	// Fallback safety net: webhooks are the primary update source, polling
	// catches the ones that never arrive.
	w.poller.Start(externalID, call.ID, call.OrganizationID)

	return nil
}
