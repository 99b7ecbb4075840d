package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/framecredit/backend/internal/auth"
	"github.com/framecredit/backend/internal/config"
	"github.com/framecredit/backend/internal/dashboard"
	"github.com/framecredit/backend/internal/execution"
	"github.com/framecredit/backend/internal/generation"
	"github.com/framecredit/backend/internal/handlers"
	"github.com/framecredit/backend/internal/ledger"
	"github.com/framecredit/backend/internal/payments"
	"github.com/framecredit/backend/internal/router"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		slog.Error("Failed to open storage", "error", err)
		os.Exit(1)
	}
	defer b.Close()
	slog.Info("Storage ready", "ledger", cfg.LedgerDriver, "tasks", cfg.TasksDriver)

	ledgerSvc := ledger.NewService(b.ledger, logger)

	registry, err := buildRegistry(cfg)
	if err != nil {
		slog.Error("Failed to configure providers", "error", err)
		os.Exit(1)
	}
	slog.Info("Providers registered", "providers", registry.Names())

	// Scheduler is set after the poller is created (breaks init cycle)
	var scheduleMu sync.Mutex
	var scheduleFn generation.ScheduleFunc
	schedule := func(ctx context.Context, taskID uuid.UUID, delay time.Duration) error {
		scheduleMu.Lock()
		fn := scheduleFn
		scheduleMu.Unlock()
		if fn == nil {
			return errors.New("poll scheduler not wired")
		}
		return fn(ctx, taskID, delay)
	}

	policy := generation.Policy{Interval: cfg.PollInterval, MaxAttempts: cfg.PollMaxAttempts}
	genSvc := generation.NewService(b.tasks, ledgerSvc, registry, policy, schedule, logger)

	var (
		riverClient *river.Client[pgx.Tx]
		localPoller *generation.LocalPoller
	)
	switch cfg.PollerMode {
	case config.PollerRiver:
		migrator, err := rivermigrate.New(riverpgxv5.New(b.pool), nil)
		if err != nil {
			slog.Error("Failed to create River migrator", "error", err)
			os.Exit(1)
		}
		if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
			slog.Error("River migrate up failed", "error", err)
			os.Exit(1)
		}
		slog.Info("River migrations applied")

		workers := river.NewWorkers()
		river.AddWorker(workers, execution.NewPollGenerationWorker(genSvc, policy.Interval, logger))
		riverClient, err = river.NewClient(riverpgxv5.New(b.pool), &river.Config{
			Queues: map[string]river.QueueConfig{
				river.QueueDefault: {MaxWorkers: 20},
			},
			Workers: workers,
			Logger:  logger,
		})
		if err != nil {
			slog.Error("Failed to create River client", "error", err)
			os.Exit(1)
		}
		scheduleMu.Lock()
		scheduleFn = execution.NewRiverScheduler(riverClient).Schedule
		scheduleMu.Unlock()
	default:
		localPoller = generation.NewLocalPoller(genSvc.Poll, policy.Interval, logger)
		scheduleMu.Lock()
		scheduleFn = localPoller.Schedule
		scheduleMu.Unlock()
	}

	tokens, err := auth.NewService(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		slog.Error("Failed to configure auth", "error", err)
		os.Exit(1)
	}
	verifier, err := payments.NewVerifier(cfg.WebhookSecret, cfg.SignatureTolerance)
	if err != nil {
		slog.Error("Failed to configure webhook verifier", "error", err)
		os.Exit(1)
	}

	api := router.New(router.Deps{
		Tokens:      tokens,
		Quotes:      genSvc,
		Balances:    ledgerSvc,
		Generations: generation.NewHandler(genSvc, logger),
		Credits:     dashboard.NewHandler(ledgerSvc, logger),
		Webhooks:    payments.NewHandler(verifier, payments.NewSettler(ledgerSvc, logger), logger),
		Catalog:     registry,
		Health:      handlers.Health(b.health, logger),
		Log:         logger,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(api)

	// Start River client (processes poll jobs)
	if riverClient != nil {
		if err := riverClient.Start(ctx); err != nil {
			slog.Error("Failed to start River client", "error", err)
			os.Exit(1)
		}
	}

	if err := genSvc.Recover(ctx); err != nil {
		slog.Error("Task recovery incomplete", "error", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting HTTP server", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if riverClient != nil {
			err = errors.Join(err, riverClient.Stop(shutdownCtx))
		}
		if localPoller != nil {
			localPoller.Stop()
		}
		return err
	})
	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped")
}
