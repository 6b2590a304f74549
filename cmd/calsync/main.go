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
	"sync"
	"syscall"
	"time"

	"calsync/internal/api"
	"calsync/internal/app"
	"calsync/internal/config"
	"calsync/internal/database"
	"calsync/internal/jobs"
	"calsync/internal/logging"
	"calsync/internal/metrics"
	"calsync/internal/repository"
	"calsync/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg, &logger)
	if err != nil {
		return err
	}
	defer a.Close()

	metrics.Register()
	metrics.Subscribe(a.Bus)

	redisClient := app.InitRedis(ctx, cfg.Redis, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	pool := worker.NewPool(a.Manager, a.DB, redisClient, worker.Options{Workers: cfg.Sync.Workers}, &logger)
	a.Manager.UseDispatcher(pool)

	// jobs abandoned by a previous process fail now instead of blocking their owners
	if n, err := a.Manager.ForceSweep(ctx, 0); err != nil {
		logger.Error().Err(err).Msg("startup stale sweep")
	} else if n > 0 {
		logger.Warn().Int("count", n).Msg("recovered abandoned sync jobs")
	}

	scheduler := jobs.NewScheduler(a.Manager, cfg.Sync.ScheduleInterval, &logger)
	backup := database.NewBackupService(a.DB, cfg.Backup, &logger)
	httpServer := api.NewHTTPServer(cfg.API, a.Manager, api.Options{
		Credentials: a.Credentials,
		Triggers:    initTriggerStore(redisClient, &logger),
	}, &logger)

	var wg sync.WaitGroup
	for _, fn := range []func(context.Context){pool.Run, scheduler.Run, backup.Start} {
		wg.Add(1)
		go func(fn func(context.Context)) {
			defer wg.Done()
			fn(ctx)
		}(fn)
	}

	startMetrics(ctx, cfg, &logger)

	go func() {
		if !cfg.API.HTTP.Enabled {
			return
		}
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	logger.Info().Int("http_port", cfg.API.HTTP.Port).Int("workers", cfg.Sync.Workers).Msg("calsync started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("workers did not stop in time")
	}

	logger.Info().Msg("calsync stopped")
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "calsync-main").Logger()

	return cfg, logger, closer, nil
}

func initTriggerStore(redisClient *redis.Client, logger *zerolog.Logger) repository.TriggerStore {
	memory := repository.NewMemoryTriggerStore(nil)
	if redisClient == nil {
		return memory
	}
	return repository.NewFailoverTriggerStore(repository.NewRedisTriggerStore(redisClient), memory, nil, logger)
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}
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
