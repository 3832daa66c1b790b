package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fsmawi/wip"
	"github.com/fsmawi/wip/internal/config"
	"github.com/fsmawi/wip/pkg/observability"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", os.Getenv("WIP_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	slog.Info("starting wipd", "version", version, "storage", cfg.Storage.Driver)

	if err := run(cfg, logger); err != nil {
		slog.Error("wipd failed", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := observability.InitTracing(ctx, "wipd", observability.TracingConfig{
		Exporter:    cfg.Tracing.Exporter,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	p, closeStores, err := openPersistence(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	prom, err := observability.NewPrometheusObserver(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	eng := wip.NewEngine(wip.EngineConfig{
		Persistence: p,
		Observer: wip.NewCompositeObserver(
			wip.NewLoggingObserver(logger),
			prom,
			observability.NewTracingObserver(nil),
		),
		Logger: logger,
	})
	if err := registerBuiltinTypes(eng); err != nil {
		return err
	}

	recovered, err := wip.RecoverStuckTasks(ctx, eng)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logger.Info("recovered stuck tasks", "count", recovered)
	}

	sched := wip.NewScheduler(eng, p, wip.SchedulerConfig{
		Hostnames:       cfg.Scheduler.Hostnames,
		Capacity:        cfg.Scheduler.Capacity,
		PollInterval:    cfg.Scheduler.PollInterval,
		MaxBackoff:      cfg.Scheduler.MaxBackoff,
		CleanupInterval: cfg.Scheduler.CleanupInterval,
		PruneAfter:      cfg.Scheduler.PruneAfter,
		Logger:          logger,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newMux(eng, sched, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			cancel()
		}
	}()

	schedErr := make(chan error, 1)
	go func() {
		schedErr <- sched.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-schedErr:
		if err != nil {
			logger.Error("scheduler stopped", "error", err)
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}
	return sched.DrainAndWait(shutdownCtx)
}
