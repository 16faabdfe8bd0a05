package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"offlinequeue/internal/api"
	"offlinequeue/internal/config"
	"offlinequeue/internal/connectivity"
	"offlinequeue/internal/device"
	"offlinequeue/internal/events"
	"offlinequeue/internal/handlers"
	"offlinequeue/internal/kvstore"
	"offlinequeue/internal/logging"
	"offlinequeue/internal/metrics"
	"offlinequeue/internal/queue"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, baseLogger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}
	logger := logging.Component(baseLogger, "syncd-main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, storeCloser, err := kvstore.Open(ctx, cfg.Store, logging.Component(baseLogger, "kvstore"))
	if err != nil {
		logger.Error().Err(err).Str("backend", cfg.Store.Backend).Msg("open store")
		return err
	}
	defer (func() { _ = storeCloser.Close() })()

	deviceID, err := device.LoadOrCreateID(ctx, store)
	if err != nil {
		logger.Error().Err(err).Msg("resolve device id")
		return err
	}
	queueStore := kvstore.Store(store)
	if cfg.Store.Scope == "" {
		queueStore = kvstore.Scoped(store, deviceID)
	}
	baseLogger = logging.WithDevice(baseLogger, deviceID)
	logger = logging.Component(baseLogger, "syncd-main")
	logger.Info().Msg("device identity resolved")

	bus := events.NewEventBus()
	registry := handlers.NewRegistry(func() (handlers.Handlers, error) {
		return handlers.NewBackendClient(cfg.Backend.BaseURL, cfg.Backend.APIKey, deviceID, cfg.Backend.Timeout), nil
	})

	engine := queue.NewEngine(queue.ConfigFrom(cfg.Queue), queueStore, registry, bus, logging.Component(baseLogger, "queue"))
	engine.Restore(ctx)

	monitor := connectivity.NewMonitor(
		connectivity.NewNetSource(cfg.Connectivity.ProbeURL, cfg.Connectivity.ProbeTimeout),
		bus,
		cfg.Connectivity.PollInterval,
		logging.Component(baseLogger, "connectivity"),
	)
	if err := monitor.Poll(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial connectivity poll failed, assuming offline")
	}
	unbind := connectivity.Bind(monitor, engine)
	go monitor.Start(ctx)

	startMetrics(ctx, cfg, logger)

	var httpServer *api.HTTPServer
	if cfg.API.Enabled {
		httpServer = api.NewHTTPServer(cfg.API, engine, monitor, logging.Component(baseLogger, "http"))
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
			}
		}()
	}

	status := engine.Status()
	logger.Info().
		Int("queued", status.Count).
		Bool("online", engine.Online()).
		Int("api_port", cfg.API.Port).
		Msg("sync daemon started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}
	unbind()
	engine.Close()

	logger.Info().Int("queued", engine.Status().Count).Msg("sync daemon stopped")
	return nil
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, closer, nil
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
