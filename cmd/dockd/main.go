// Package main is the entry point for the jobdock engine.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"jobdock/internal/config"
	"jobdock/internal/executor"
	"jobdock/internal/executor/runtime"
	"jobdock/internal/intake"
	"jobdock/internal/logger"
	"jobdock/internal/monitor"
	"jobdock/internal/observability"
	"jobdock/internal/server"
	"jobdock/internal/server/handlers"
	"jobdock/internal/store/fsstore"
)

// drainGrace bounds how long shutdown waits for in-flight jobs. Jobs still
// running when it expires are requeued by orphan recovery on the next start.
const drainGrace = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logr := logger.New(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := fsstore.Open(cfg.JobsRoot, logr)
	if err != nil {
		log.Fatalf("Failed to open job store: %v", err)
	}

	if cfg.Queue.RecoverOrphans {
		recovered, err := st.RecoverOrphans(ctx, "engine restarted while job was running", cfg.Queue.MaxRetries)
		if err != nil {
			log.Fatalf("Failed to recover orphaned jobs: %v", err)
		}
		if len(recovered) > 0 {
			logr.Info("recovered orphaned jobs", "count", len(recovered))
		}
	}

	shutdownTracer, err := observability.InitTracer(ctx, "jobdock-engine", cfg.Observability.OTLPEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logr.Warn("tracer shutdown failed", "error", err)
		}
	}()

	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logr.Warn("metrics shutdown failed", "error", err)
		}
	}()

	stalledAfter := time.Duration(cfg.Heartbeat.StalledAfterSeconds) * time.Second
	if err := observability.RegisterEngineGauges(st, logr, stalledAfter); err != nil {
		logr.Warn("gauge registration failed", "error", err)
	}

	in, err := intake.New(ctx, st, logr, intake.Config{
		InboxDir:     cfg.DropRoot,
		ProcessedDir: filepath.Join(cfg.DropRoot, "processed"),
		FailedDir:    filepath.Join(cfg.DropRoot, "failed"),
		PollInterval: time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond,
		SettleWindow: time.Duration(cfg.Intake.SettleWindowMs) * time.Millisecond,
	})
	if err != nil {
		log.Fatalf("Failed to init intake: %v", err)
	}

	var rt runtime.Runtime
	switch cfg.Runner.Mode {
	case "docker":
		rt, err = runtime.NewDockerRuntime()
		if err != nil {
			log.Fatalf("Failed to init docker runtime: %v", err)
		}
	default:
		rt = runtime.NewExecRuntime()
	}

	pool, err := executor.New(st, rt, in, logr, executor.Config{
		Concurrency:  cfg.Queue.PoolSize,
		PollInterval: time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond,
		MaxBackoff:   time.Duration(cfg.Queue.MaxBackoffMs) * time.Millisecond,
		JobTimeout:   time.Duration(cfg.Runner.TimeoutSeconds) * time.Second,
		MaxRetries:   cfg.Queue.MaxRetries,
		RunsRoot:     cfg.RunsRoot,
		Command:      cfg.Runner.Command,
		Image:        cfg.Runner.Image,
		Monitor: monitor.Config{
			HeartbeatInterval: time.Duration(cfg.Heartbeat.IntervalSeconds) * time.Second,
			KillGrace:         time.Duration(cfg.Abort.GracePeriodSeconds) * time.Second,
		},
	})
	if err != nil {
		log.Fatalf("Failed to init executor: %v", err)
	}

	go func() {
		if err := in.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logr.Error("intake stopped", "error", err)
		}
	}()
	go func() {
		if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logr.Error("executor stopped", "error", err)
		}
	}()

	h, err := handlers.New(st, in, logr, handlers.Config{
		StalledAfter: stalledAfter,
		TailLines:    cfg.LogAccess.TailLines,
		FollowPoll:   time.Duration(cfg.LogAccess.StreamPollMs) * time.Millisecond,
	})
	if err != nil {
		log.Fatalf("Failed to init handlers: %v", err)
	}
	srv := server.New(h, metricsHandler, logr, server.Config{
		ListenAddr:    cfg.Server.ListenAddr,
		RatePerMinute: cfg.RateLimit.PerMinute,
	})

	serverDone := make(chan error, 1)
	go func() { serverDone <- srv.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverDone:
		log.Fatalf("API server failed: %v", err)
	case sig := <-quit:
		logr.Info("shutting down", "signal", sig.String())
	}

	cancel()

	select {
	case <-pool.Done():
		logr.Info("executor drained")
	case <-time.After(drainGrace):
		logr.Warn("shutdown grace expired with jobs in flight")
	}

	if err := <-serverDone; err != nil {
		logr.Error("api server shutdown failed", "error", err)
	}
	logr.Info("engine stopped")
}
