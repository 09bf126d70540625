package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"realtysync/internal/api"
	"realtysync/internal/app"
	"realtysync/internal/config"
	"realtysync/internal/database"
	"realtysync/internal/logging"
	"realtysync/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, baseLogger, closer, err := app.LoadConfigAndLogger(configPath)
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}
	logger := logging.Component(baseLogger, "api-main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, baseLogger)
	if err != nil {
		logger.Error().Err(err).Msg("init application")
		return err
	}
	defer a.Close()

	if !cfg.API.Enabled {
		logger.Warn().Msg("API is disabled in config, only the sync queue will run")
	}

	startMetrics(ctx, cfg, logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.Queue.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		database.NewBackupService(a.DB, cfg.Backup, logging.Component(baseLogger, "backup")).Start(ctx)
	}()

	if _, err := a.Initials.Refresh(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial staff load failed, editor initials will load on demand")
	}

	httpServer := api.NewHTTPServer(&cfg.API, a.Service, a.DB, baseLogger)
	err = serve(ctx, httpServer, cfg, logger)
	stop()

	// The queue finishes in-flight tasks before Start returns.
	wg.Wait()
	logger.Info().Msg("API server stopped")
	return err
}

func serve(ctx context.Context, httpServer *api.HTTPServer, cfg *config.Config, logger *zerolog.Logger) error {
	errCh := make(chan error, 1)
	if cfg.API.Enabled && cfg.API.HTTP.Enabled {
		go func() {
			errCh <- httpServer.Start()
		}()
		logger.Info().Int("http_port", cfg.API.HTTP.Port).Msg("API server started")
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("http server stopped")
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
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
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
