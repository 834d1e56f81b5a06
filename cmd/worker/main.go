package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dunamismax/pixelproxy/internal/codec"
	"github.com/dunamismax/pixelproxy/internal/config"
	"github.com/dunamismax/pixelproxy/internal/logging"
	"github.com/dunamismax/pixelproxy/internal/origin"
	"github.com/dunamismax/pixelproxy/internal/storage"
	"github.com/dunamismax/pixelproxy/internal/store"
	"github.com/dunamismax/pixelproxy/internal/telemetry"
	"github.com/dunamismax/pixelproxy/internal/transform"
	"github.com/dunamismax/pixelproxy/internal/webhook"
	"github.com/dunamismax/pixelproxy/internal/worker"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.Logging, "pixelproxy-worker")
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("worker failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Tracing, "pixelproxy-worker", logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	if err := codec.Startup(); err != nil {
		return err
	}
	defer codec.Shutdown()

	storageClient, err := storage.NewClient(storage.ConfigFrom(cfg.Storage))
	if err != nil {
		return err
	}
	bucketCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := storageClient.EnsureBucket(bucketCtx); err != nil {
		logger.Warn("object storage unavailable at startup", zap.String("bucket", storageClient.Bucket()), zap.Error(err))
	}
	cancel()

	src, err := origin.New(cfg.Origin, storageClient)
	if err != nil {
		return err
	}

	jobs, closeStore, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, worker.Deps{
		Transformer: transform.New(nil, nil),
		Storage:     storageClient,
		Origin:      src,
		Webhook:     webhook.NewClient(cfg.Webhook),
		Jobs:        jobs,
		MaxBytes:    cfg.Origin.MaxBytes,
	})
	if err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("starting worker",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Int("max_active_jobs", cfg.Worker.MaxActiveJobs),
		zap.String("queue", cfg.Queue.Name),
		zap.String("redis", cfg.Queue.RedisAddr),
		zap.String("codec_backend", codec.Backend()),
	)

	if err := srv.Start(); err != nil {
		return err
	}
	<-ctx.Done()

	logger.Info("shutting down")
	srv.Shutdown()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
	return nil
}
