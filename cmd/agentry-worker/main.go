// Command agentry-worker runs the task execution runtime: it claims
// queued tasks, drives the agent engine, and reports lifecycle
// transitions back over the queue.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentry-io/agentry/internal/adapter/llm"
	agnats "github.com/agentry-io/agentry/internal/adapter/nats"
	"github.com/agentry-io/agentry/internal/adapter/natskv"
	agotel "github.com/agentry-io/agentry/internal/adapter/otel"
	"github.com/agentry-io/agentry/internal/adapter/postgres"
	"github.com/agentry-io/agentry/internal/adapter/ristretto"
	"github.com/agentry-io/agentry/internal/adapter/tiered"
	"github.com/agentry-io/agentry/internal/config"
	"github.com/agentry-io/agentry/internal/logger"
	"github.com/agentry-io/agentry/internal/resilience"
	"github.com/agentry-io/agentry/internal/secrets"
	"github.com/agentry-io/agentry/internal/worker"
)

const agentBucket = "agentry_agents"

func main() {
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
		"concurrency", cfg.Worker.Concurrency,
		"log_level", cfg.Logging.Level,
	)

	ctx := context.Background()

	shutdownTelemetry, err := agotel.Setup(ctx, "agentry-worker", cfg.Telemetry)
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

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	queue, err := agnats.Connect(ctx, cfg.NATS)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Drain() }()

	// Agent configs are read on every claim, so they sit behind a
	// two-level cache: in-process ristretto backed by a NATS KV bucket
	// shared across workers.
	kv, err := queue.KeyValue(ctx, agentBucket, cfg.Cache.AgentTTL)
	if err != nil {
		return fmt.Errorf("nats kv: %w", err)
	}
	l1, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	agentCache := tiered.New(l1, natskv.New(kv), cfg.Cache.AgentTTL)

	eng := llm.New(cfg.Engine)
	eng.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	// With a key file configured, the engine key is read through a
	// vault that reloads on SIGHUP, so rotation needs no restart. The
	// vault also backs redaction of failure messages.
	var engineVault *secrets.Vault
	if cfg.Engine.KeyFile != "" {
		engineVault, err = secrets.NewVault(secrets.FileLoader(cfg.Engine.KeyFile))
		if err != nil {
			return fmt.Errorf("engine key file: %w", err)
		}
		eng.SetKeySource(func() string { return engineVault.Get("ENGINE_API_KEY") })

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		go func() {
			for range hup {
				if err := engineVault.Reload(); err != nil {
					slog.Error("reload engine key file", "error", err)
					continue
				}
				slog.Info("engine key file reloaded")
			}
		}()
	}

	store := postgres.NewStore(pool)
	runtime := worker.New(store, queue, eng, agentCache, cfg.Worker, cfg.Cache.AgentTTL)
	runtime.SetMetrics(metrics)
	if engineVault != nil {
		runtime.SetRedactor(engineVault.RedactString)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop, err := runtime.Start(runCtx)
	if err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}
	slog.Info("worker started", "concurrency", cfg.Worker.Concurrency)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	<-done

	slog.Info("shutting down worker")
	cancel()
	stop()
	return nil
}
