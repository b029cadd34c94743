// Package handler exposes the calls module over HTTP: the provider webhook,
// the call management API, and the ops introspection endpoints.
package handler

import (
	"net/http"
	"time"

	"voicegrid_backend/internal/calls/domain"
	"voicegrid_backend/internal/calls/poller"
	"voicegrid_backend/internal/calls/provider"
	"voicegrid_backend/internal/calls/repository"
	"voicegrid_backend/internal/calls/service"
	"voicegrid_backend/internal/calls/transport"
	"voicegrid_backend/internal/dispatch"
	"voicegrid_backend/platform/apperr"
	"voicegrid_backend/platform/httpkit"
	"voicegrid_backend/platform/logger"
	"voicegrid_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nyaruka/phonenumbers"
)

const (
	errNoOrgContext   = "no organization context"
	errInvalidRequest = "invalid request body"
	errInvalidCallID  = "invalid call ID"
)

// Handler handles calls module HTTP requests.
type Handler struct {
	ingestor  *service.Ingestor
	repo      *repository.Repository
	scheduler *poller.Scheduler
	provider  provider.Client
	enqueuer  dispatch.Enqueuer
	val       *validator.Validator
	log       *logger.Logger
}

// New creates a new calls handler.
func New(ingestor *service.Ingestor, repo *repository.Repository, scheduler *poller.Scheduler, providerClient provider.Client, enqueuer dispatch.Enqueuer, val *validator.Validator, log *logger.Logger) *Handler {
	return &Handler{
		ingestor:  ingestor,
		repo:      repo,
		scheduler: scheduler,
		provider:  providerClient,
		enqueuer:  enqueuer,
		val:       val,
		log:       log,
	}
}

// ---- Provider webhook (public, optional API-key authenticated) ----

// HandleProviderWebhook processes an inbound call state push.
// POST /api/v1/webhook/voice
//
// An event that resolves to no stored call is accepted with 202: the
// provider will not meaningfully retry and there is no compensating action.
func (h *Handler) HandleProviderWebhook(c *gin.Context) {
	var req transport.WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, errInvalidRequest, err.Error())
		return
	}
	if req.CallID == "" && req.Metadata == nil {
		httpkit.Error(c, http.StatusBadRequest, "missing call identifier", nil)
		return
	}

	ctx := c.Request.Context()
	call, err := h.ingestor.Resolve(ctx, req.Metadata, req.CallID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			matched := false
			c.JSON(http.StatusAccepted, transport.WebhookResponse{Received: true, Matched: &matched})
			return
		}
		httpkit.HandleError(c, err)
		return
	}

	if _, err := h.ingestor.Apply(ctx, call, req.Snapshot(), "webhook"); err != nil {
		httpkit.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, transport.WebhookResponse{Received: true})
}

// ---- Call management API (JWT authenticated) ----

// HandleStartCall creates a call record and dispatches provider placement.
// POST /api/v1/calls
func (h *Handler) HandleStartCall(c *gin.Context) {
	orgID, ok := httpkit.TenantID(c)
	if !ok {
		httpkit.Error(c, http.StatusUnauthorized, errNoOrgContext, nil)
		return
	}

	var req transport.StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, errInvalidRequest, err.Error())
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "validation error", err.Error())
		return
	}

	callee, err := normalizeE164(req.CalleeNumber)
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid callee number", nil)
		return
	}

	now := time.Now()
	call := domain.Call{
		ID:             uuid.New(),
		OrganizationID: orgID,
		CalleeNumber:   callee,
		AgentName:      req.AgentName,
		Status:         domain.StatusInitiated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	ctx := c.Request.Context()
	if err := h.repo.Create(ctx, &call); err != nil {
		httpkit.HandleError(c, err)
		return
	}

	if err := h.enqueuer.EnqueuePlaceCall(ctx, dispatch.PlaceCallPayload{
		CallID:         call.ID.String(),
		OrganizationID: call.OrganizationID.String(),
	}); err != nil {
		h.log.Error("failed to enqueue call placement", "call_id", call.ID, "error", err)
		httpkit.Error(c, http.StatusInternalServerError, "failed to dispatch call", nil)
		return
	}

	c.JSON(http.StatusCreated, transport.NewCallView(call))
}

// HandleGetCall returns one call scoped to the caller's organization.
// GET /api/v1/calls/:callId
func (h *Handler) HandleGetCall(c *gin.Context) {
	orgID, ok := httpkit.TenantID(c)
	if !ok {
		httpkit.Error(c, http.StatusUnauthorized, errNoOrgContext, nil)
		return
	}

	callID, err := uuid.Parse(c.Param("callId"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, errInvalidCallID, nil)
		return
	}

	call, err := h.repo.GetByID(c.Request.Context(), callID, orgID)
	if httpkit.HandleError(c, err) {
		return
	}

	httpkit.OK(c, transport.NewCallView(call))
}

// HandleCancelCall terminates a live call: best-effort provider hangup,
// stop the poll session, and drive the stored record to cancelled through
// the regular reconciliation pipeline.
// POST /api/v1/calls/:callId/cancel
func (h *Handler) HandleCancelCall(c *gin.Context) {
	orgID, ok := httpkit.TenantID(c)
	if !ok {
		httpkit.Error(c, http.StatusUnauthorized, errNoOrgContext, nil)
		return
	}

	callID, err := uuid.Parse(c.Param("callId"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, errInvalidCallID, nil)
		return
	}

	ctx := c.Request.Context()
	call, err := h.repo.GetByID(ctx, callID, orgID)
	if httpkit.HandleError(c, err) {
		return
	}

	if call.ExternalCallID != nil {
		if err := h.provider.EndCall(ctx, *call.ExternalCallID); err != nil {
			h.log.Warn("provider hangup failed", "call_id", call.ID, "error", err)
		}
		h.scheduler.Stop(*call.ExternalCallID)
	}

	result, err := h.ingestor.Apply(ctx, call, domain.Snapshot{Status: string(domain.StatusCancelled)}, "cancel")
	if httpkit.HandleError(c, err) {
		return
	}

	httpkit.OK(c, transport.NewCallView(result.Call))
}

// ---- Ops introspection (JWT authenticated) ----

// HandleListPollSessions reports active poll sessions for operational
// visibility.
// GET /api/v1/ops/poll-sessions
func (h *Handler) HandleListPollSessions(c *gin.Context) {
	sessions := h.scheduler.Sessions()

	views := make([]transport.PollSessionView, len(sessions))
	for i, s := range sessions {
		views[i] = transport.PollSessionView{
			ExternalCallID: s.ExternalCallID,
			InternalCallID: s.InternalCallID,
			OrganizationID: s.OrganizationID,
			Attempts:       s.Attempts,
			ElapsedSeconds: s.Elapsed.Seconds(),
		}
	}

	httpkit.OK(c, transport.PollSessionsResponse{
		Active:   len(sessions),
		Sessions: views,
	})
}

func normalizeE164(raw string) (string, error) {
	num, err := phonenumbers.Parse(raw, "")
	if err != nil {
		return "", err
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
