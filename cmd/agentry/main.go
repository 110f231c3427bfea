// Command agentry runs the task API server: REST endpoints, the
// real-time WebSocket hub, the lifecycle event subscriber, and the
// reconciliation sweep.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	aghttp "github.com/agentry-io/agentry/internal/adapter/http"
	agnats "github.com/agentry-io/agentry/internal/adapter/nats"
	agotel "github.com/agentry-io/agentry/internal/adapter/otel"
	"github.com/agentry-io/agentry/internal/adapter/postgres"
	"github.com/agentry-io/agentry/internal/adapter/ws"
	"github.com/agentry-io/agentry/internal/config"
	"github.com/agentry-io/agentry/internal/logger"
	"github.com/agentry-io/agentry/internal/middleware"
	"github.com/agentry-io/agentry/internal/service"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer closeLog.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"auth_enabled", cfg.Auth.Enabled,
	)

	ctx := context.Background()

	shutdownTelemetry, err := agotel.Setup(ctx, "agentry-api", cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown", "error", err)
		}
	}()

	metrics, err := agotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	queue, err := agnats.Connect(ctx, cfg.NATS)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Drain() }()

	// --- Services ---

	store := postgres.NewStore(pool)
	hub := ws.NewHub()
	authSvc := service.NewAuthService(cfg.Auth)
	eventSvc := service.NewEventService(store, hub)
	taskSvc := service.NewTaskService(store, queue, eventSvc)
	taskSvc.SetMetrics(metrics)

	// Worker-side lifecycle transitions arrive over the queue.
	stopEvents, err := eventSvc.StartSubscriber(ctx, queue)
	if err != nil {
		return fmt.Errorf("event subscriber: %w", err)
	}
	defer stopEvents()

	// Reconciliation sweep for stranded tasks, lost publishes, and
	// audit-log retention.
	sweeper := service.NewSweeper(store, taskSvc, eventSvc, cfg.Sweep)
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go sweeper.Run(sweepCtx)

	// Recurring schedules: due cron entries are turned into tasks.
	scheduleSvc := service.NewScheduleService(store, store)
	scheduler := service.NewScheduler(store, taskSvc, cfg.Scheduler)
	go scheduler.Run(sweepCtx)

	// --- HTTP ---

	// Replayed mutations (client retries on POST /tasks) are deduplicated
	// through a shared KV bucket so any API replica can answer the retry.
	idemKV, err := queue.KeyValue(ctx, "agentry_idempotency", 24*time.Hour)
	if err != nil {
		return fmt.Errorf("idempotency kv: %w", err)
	}

	wsHandler := ws.NewHandler(hub, authSvc, cfg.WS)
	wsHandler.SetMetrics(metrics)
	handlers := aghttp.NewHandlers(taskSvc, eventSvc, store, scheduleSvc, queue, hub)

	r := chi.NewRouter()
	r.Use(aghttp.CORS(cfg.Server.CORSOrigin))
	r.Use(middleware.RequestID)
	r.Use(aghttp.Logger)
	r.Use(aghttp.SecurityHeaders)
	r.Use(agotel.HTTPMiddleware("agentry-api"))
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.NewRateLimiter(cfg.Server.RateRPS, cfg.Server.RateBurst).Handler)
	r.Use(middleware.Auth(authSvc))
	r.Use(middleware.Idempotency(idemKV))

	aghttp.MountRoutes(r, handlers, wsHandler)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
