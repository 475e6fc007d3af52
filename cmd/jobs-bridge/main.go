// jobs-bridge runs the job lifecycle engine against a remote computation
// service and exposes it to a local UI over HTTP and websockets.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"afterglow/internal/api"
	"afterglow/internal/config"
	"afterglow/internal/dispatcher"
	"afterglow/internal/gateway"
	"afterglow/internal/health"
	"afterglow/internal/lifecycle"
	"afterglow/internal/observability"
	"afterglow/internal/registry"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Bridge failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg := config.LoadBridgeConfig()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	relayCfg := dispatcher.LoadRelayConfigFromEnv()

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	shutdownTracing, err := observability.InitTracing(ctx, cfg.ServiceName, cfg.TracingEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			slog.Warn("Tracing shutdown error", "error", err)
		}
	}()

	gw, err := gateway.NewHTTP(gateway.HTTPConfig{
		BaseURL:   cfg.GatewayURL,
		Token:     cfg.GatewayToken,
		Timeout:   cfg.GatewayTimeout,
		RateLimit: cfg.GatewayRateLimit,
		Burst:     cfg.GatewayBurst,
		Metrics:   metrics,
	})
	if err != nil {
		return err
	}
	slog.Info("Gateway configured", "url", cfg.GatewayURL, "rate_limit", cfg.GatewayRateLimit)

	ctl := lifecycle.New(gw, registry.New(), lifecycle.Config{
		MaxPollDuration: cfg.MaxPollDuration,
		Metrics:         metrics,
		Tracer:          observability.Tracer(),
	})

	healthChecker := health.NewChecker().Require("gateway", gw)

	// Optional lifecycle relay
	var (
		eventDispatcher *dispatcher.MemoryDispatcher
		relay           *dispatcher.Relay
	)
	if relayCfg.Enabled() {
		eventDispatcher = dispatcher.NewMemory(dispatcher.LoadConfigFromEnv(), metrics)
		relay = dispatcher.NewRelay(ctl, eventDispatcher, relayCfg)
		healthChecker.Observe("relay", health.ReadinessFunc(func(context.Context) error {
			if open := eventDispatcher.Stats().BreakersOpen; open > 0 {
				return fmt.Errorf("%d relay destination(s) unavailable", open)
			}
			return nil
		}))
	}

	router, handler := api.NewRouter(api.RouterConfig{
		Controller:          ctl,
		Metrics:             metrics,
		HealthChecker:       healthChecker,
		DefaultPollInterval: cfg.PollInterval,
		APIKey:              cfg.APIKey,
	})

	if cfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// No WriteTimeout: websocket streams stay open for a job's lifetime.
	apiServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "port", cfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	shutdownServers := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdownServers(5 * time.Second)
		_ = ctl.Close(context.Background())
		return err
	}

	// Phase 1: refuse new submissions at the load balancer
	healthChecker.SetShuttingDown()
	if cfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.ShutdownDrainWait)
		time.Sleep(cfg.ShutdownDrainWait)
	}

	// Phase 2: stop polling; every live job gets a stopped event, which ends
	// open streams so the API server can shut down.
	slog.Info("Stopping pollers", "jobs", ctl.Registry().Len())
	ctlCtx, ctlCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ctlCancel()
	ctlErr := ctl.Close(ctlCtx)
	if ctlErr != nil {
		slog.Warn("Controller shutdown error", "error", ctlErr)
	}
	handler.Close()
	shutdownServers(15 * time.Second)

	// Phase 3: drain the relay
	if relay != nil {
		// Closing the controller ended the relay's subscription after its
		// backlog was handed over.
		if ctlErr != nil {
			relay.Stop()
		}
		<-relay.Done()
		dctx, dcancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dcancel()
		if err := eventDispatcher.Close(dctx); err != nil {
			slog.Warn("Dispatcher shutdown error", "error", err)
		}

		stats := eventDispatcher.Stats()
		slog.Info("Dispatcher stats",
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
	}

	// Remote jobs keep running on the computation service; only local
	// tracking ends here.
	slog.Info("Shutdown complete")
	return nil
}
