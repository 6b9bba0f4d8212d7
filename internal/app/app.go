// Package app wires the daemon together: storage, transport, dispatch,
// worker, correlator and the HTTP API.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"outreachd/internal/api"
	"outreachd/internal/clock"
	"outreachd/internal/config"
	"outreachd/internal/correlator"
	"outreachd/internal/dispatch"
	"outreachd/internal/metrics"
	"outreachd/internal/sender"
	"outreachd/internal/store"
	"outreachd/internal/transport"
	"outreachd/internal/worker"
)

// App is the main application
type App struct {
	config     *config.Config
	store      *store.Store
	transport  transport.Transport
	registry   *dispatch.Registry
	worker     *worker.Worker
	correlator *correlator.Correlator
	cleaner    *store.Cleaner
	apiServer  *api.Server
	metrics    *metrics.Metrics
	collector  *metrics.Collector
	logger     *slog.Logger
	version    string
}

// New creates a new application
func New(cfg *config.Config, version string) (*App, error) {
	logger := setupLogger(cfg.Logging)
	clk := clock.New()

	st, err := store.Open(cfg.Storage.Path, logger.With("component", "store"))
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	tr, err := buildTransport(cfg.Transport, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	var m *metrics.Metrics
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	registry := dispatch.NewRegistry(clk, logger)
	snd := sender.New(tr, st, clk, m, logger)
	w := worker.New(st, snd, registry, clk, m, logger, cfg.Worker.PollInterval())
	corr := correlator.New(tr, st, m, logger)
	cleaner := store.NewCleaner(st, store.CleanerConfig{
		EventMaxAge:    cfg.Retention.EventMaxAge(),
		CampaignMaxAge: cfg.Retention.CampaignMaxAge(),
		Interval:       cfg.Retention.CleanupInterval(),
	}, logger)

	if m != nil {
		collector = metrics.NewCollector(m, w, cfg.Metrics.FlushInterval())
	}

	apiServer := api.NewServer(st, w, registry, m, cfg.API, cfg.RateLimit, version, logger.With("component", "api"))

	return &App{
		config:     cfg,
		store:      st,
		transport:  tr,
		registry:   registry,
		worker:     w,
		correlator: corr,
		cleaner:    cleaner,
		apiServer:  apiServer,
		metrics:    m,
		collector:  collector,
		logger:     logger,
		version:    version,
	}, nil
}

// buildTransport creates the configured provider transport
func buildTransport(cfg config.TransportConfig, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Mode {
	case "gateway":
		return transport.NewGateway(transport.GatewayConfig{
			BaseURL:      cfg.Gateway.BaseURL,
			Token:        cfg.Gateway.Token,
			Timeout:      cfg.Gateway.Timeout(),
			PollInterval: cfg.Gateway.PollInterval(),
		}, logger.With("component", "gateway")), nil
	case "sandbox":
		return transport.NewSandbox(transport.SandboxConfig{
			FailureRate:      cfg.Sandbox.FailureRate,
			FloodEvery:       cfg.Sandbox.FloodEvery,
			FloodWaitSeconds: cfg.Sandbox.FloodWaitSeconds,
			RatePerSec:       cfg.Sandbox.RatePerSec,
			Burst:            cfg.Sandbox.Burst,
		}, logger.With("component", "sandbox")), nil
	default:
		return nil, fmt.Errorf("unknown transport mode %q", cfg.Mode)
	}
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting outreachd",
		"version", a.version,
		"api_addr", a.config.API.ListenAddr,
		"transport", a.config.Transport.Mode,
		"storage", a.config.Storage.Path,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.correlator.Start(ctx)
	a.cleaner.Start(ctx)
	if a.collector != nil {
		a.collector.Start(ctx)
	}
	if a.config.Worker.AutoStart {
		a.worker.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop accepting API requests first, then drain the pipeline.
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	a.worker.Stop()
	a.registry.StopAll()
	a.correlator.Stop()
	a.cleaner.Stop()
	if a.collector != nil {
		a.collector.Stop()
	}

	if err := a.transport.Close(); err != nil {
		a.logger.Error("transport close error", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
