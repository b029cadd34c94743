// Package calls provides the call lifecycle bounded context module: call
// placement, webhook and polling ingestion, reconciliation, and fanout.
package calls

import (
	"fmt"
	"os"

	"voicegrid_backend/internal/calls/domain"
	"voicegrid_backend/internal/calls/handler"
	"voicegrid_backend/internal/calls/poller"
	"voicegrid_backend/internal/calls/provider"
	"voicegrid_backend/internal/calls/repository"
	"voicegrid_backend/internal/calls/service"
	"voicegrid_backend/internal/dispatch"
	"voicegrid_backend/internal/events"
	"voicegrid_backend/internal/fanout"
	apphttp "voicegrid_backend/internal/http"
	"voicegrid_backend/platform/config"
	"voicegrid_backend/platform/httpkit"
	"voicegrid_backend/platform/logger"
	"voicegrid_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"
)

// webhookBurst bounds how many webhook deliveries a single provider IP can
// land at once before the per-IP limiter kicks in.
const webhookBurst = 20

// Module is the calls bounded context module implementing http.Module.
type Module struct {
	handler     *handler.Handler
	repo        *repository.Repository
	ingestor    *service.Ingestor
	provider    provider.Client
	scheduler   *poller.Scheduler
	sse         *fanout.SSEBridge
	rateLimiter *httpkit.IPRateLimiter
	cfg         *config.Config
	log         *logger.Logger
}

// NewModule creates and initializes the calls module with all its
// dependencies. The returned module owns the poll session registry; the
// dispatch worker and graceful shutdown reach it through Scheduler().
func NewModule(pool *pgxpool.Pool, eventBus events.Bus, fan fanout.Fanout, sse *fanout.SSEBridge, enqueuer dispatch.Enqueuer, val *validator.Validator, cfg *config.Config, log *logger.Logger) (*Module, error) {
	repo := repository.New(pool)

	overlay, err := loadAliasOverlay(cfg)
	if err != nil {
		return nil, err
	}
	reconciler := domain.NewReconciler(overlay)

	providerClient := provider.NewHTTPClient(cfg)

	ingestor := service.NewIngestor(repo, reconciler, fan, eventBus, log)
	scheduler := poller.New(repo, providerClient, ingestor, cfg, log)
	ingestor.SetSessionStopper(scheduler)

	h := handler.New(ingestor, repo, scheduler, providerClient, enqueuer, val, log)

	return &Module{
		handler:     h,
		repo:        repo,
		ingestor:    ingestor,
		provider:    providerClient,
		scheduler:   scheduler,
		sse:         sse,
		rateLimiter: httpkit.NewIPRateLimiter(rate.Limit(cfg.GetWebhookRateLimit()), webhookBurst, log),
		cfg:         cfg,
		log:         log,
	}, nil
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "calls"
}

// Provider returns the provider API client for external wiring.
func (m *Module) Provider() provider.Client {
	return m.provider
}

// Scheduler returns the poll session registry for external wiring.
func (m *Module) Scheduler() *poller.Scheduler {
	return m.scheduler
}

// Ingestor returns the reconciliation service for external wiring.
func (m *Module) Ingestor() *service.Ingestor {
	return m.ingestor
}

// Repository returns the calls repository for external wiring.
func (m *Module) Repository() *repository.Repository {
	return m.repo
}

// RegisterRoutes mounts calls routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	// Provider webhook: API-key authenticated, rate limited per source IP.
	webhook := ctx.V1.Group("/webhook")
	webhook.Use(m.rateLimiter.RateLimit(), handler.WebhookAuth(m.cfg, m.log))
	webhook.POST("/voice", m.handler.HandleProviderWebhook)

	// Call management: JWT authenticated, tenant scoped.
	callsGroup := ctx.Protected.Group("/calls")
	callsGroup.POST("", m.handler.HandleStartCall)
	callsGroup.GET("/:callId", m.handler.HandleGetCall)
	callsGroup.POST("/:callId/cancel", m.handler.HandleCancelCall)
	if m.sse != nil {
		callsGroup.GET("/stream", m.sse.Handler())
	}

	opsGroup := ctx.Protected.Group("/ops")
	opsGroup.GET("/poll-sessions", m.handler.HandleListPollSessions)
}

func loadAliasOverlay(cfg config.StatusMapConfig) (map[string]domain.Status, error) {
	path := cfg.GetStatusAliasFile()
	if path == "" {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open status alias file: %w", err)
	}
	defer f.Close()

	overlay, err := domain.ParseAliasOverlay(f)
	if err != nil {
		return nil, fmt.Errorf("parse status alias file %s: %w", path, err)
	}
	return overlay, nil
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
