package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voicegrid_backend/internal/calls"
	"voicegrid_backend/internal/dispatch"
	"voicegrid_backend/internal/email"
	"voicegrid_backend/internal/events"
	"voicegrid_backend/internal/fanout"
	apphttp "voicegrid_backend/internal/http"
	"voicegrid_backend/internal/http/router"
	"voicegrid_backend/internal/recordings"
	"voicegrid_backend/migrations"
	"voicegrid_backend/platform/config"
	"voicegrid_backend/platform/db"
	"voicegrid_backend/platform/logger"
	"voicegrid_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Initialize structured logger
	log := logger.New(cfg.Env)
	log.Info("starting server", "env", cfg.Env, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

	if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
		return db.RunMigrations(ctx, cfg, migrations.FS)
	}); err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}
	log.Info("database migrations complete")

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()
	log.Info("database connection established")

	// Event bus for decoupled communication between modules
	eventBus := events.NewInMemoryBus(log)

	// Shared validator instance for dependency injection
	val := validator.New()

	// Redis backs both the realtime fanout channels and the dispatch queue.
	redisOpts, err := redis.ParseURL(cfg.GetRedisURL())
	if err != nil {
		log.Error("invalid REDIS_URL", "error", err)
		panic("invalid REDIS_URL: " + err.Error())
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	var fan fanout.Fanout = fanout.NewRedisFanout(rdb, log)
	sse := fanout.NewSSEBridge(rdb, log)

	dispatchClient, err := dispatch.NewClient(cfg)
	if err != nil {
		log.Error("failed to initialize dispatch client", "error", err)
		panic("failed to initialize dispatch client: " + err.Error())
	}
	defer dispatchClient.Close()

	// ========================================================================
	// Domain Modules (Composition Root)
	// ========================================================================

	callsModule, err := calls.NewModule(pool, eventBus, fan, sse, dispatchClient, val, cfg, log)
	if err != nil {
		log.Error("failed to initialize calls module", "error", err)
		panic("failed to initialize calls module: " + err.Error())
	}

	// Recording archival subscribes to terminal call updates (config-gated).
	if cfg.IsRecordingArchiveEnabled() {
		archiver, err := recordings.New(ctx, cfg, eventBus, log)
		if err != nil {
			log.Error("failed to initialize recording archiver", "error", err)
			panic("failed to initialize recording archiver: " + err.Error())
		}
		archiver.Subscribe(eventBus)
		log.Info("recording archiver initialized", "bucket", cfg.GetRecordingBucket())
	}

	// Post-call summary email subscribes to terminal call updates (config-gated).
	if cfg.GetEmailEnabled() && cfg.GetSummaryRecipient() != "" {
		notifier := email.NewSummaryNotifier(callsModule.Repository(), email.NewSMTPSender(cfg), cfg.GetSummaryRecipient(), log)
		notifier.Subscribe(eventBus)
		log.Info("post-call summary notifier initialized", "recipient", cfg.GetSummaryRecipient())
	}

	// Dispatch worker runs in-process: placed calls start poll sessions in
	// the same registry the webhook path stops them in.
	worker, err := dispatch.NewWorker(cfg, callsModule.Repository(), callsModule.Provider(), callsModule.Scheduler(), eventBus, log)
	if err != nil {
		log.Error("failed to initialize dispatch worker", "error", err)
		panic("failed to initialize dispatch worker: " + err.Error())
	}

	// ========================================================================
	// HTTP Layer
	// ========================================================================

	app := &apphttp.App{
		Config:   cfg,
		Logger:   log,
		Health:   db.NewPoolAdapter(pool),
		EventBus: eventBus,
		Modules: []apphttp.Module{
			callsModule,
		},
	}

	engine := router.New(app)
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: engine,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, gracefully shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		callsModule.Scheduler().StopAll()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		panic("server error: " + err.Error())
	}
	log.Info("server stopped")
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return fmt.Errorf("%s: invalid retry attempts", name)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return fmt.Errorf("%s: %w", name, lastErr)
}
