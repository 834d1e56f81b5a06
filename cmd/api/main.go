package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dunamismax/pixelproxy/internal/api"
	"github.com/dunamismax/pixelproxy/internal/codec"
	"github.com/dunamismax/pixelproxy/internal/config"
	"github.com/dunamismax/pixelproxy/internal/logging"
	"github.com/dunamismax/pixelproxy/internal/origin"
	"github.com/dunamismax/pixelproxy/internal/queue"
	"github.com/dunamismax/pixelproxy/internal/ratelimit"
	"github.com/dunamismax/pixelproxy/internal/storage"
	"github.com/dunamismax/pixelproxy/internal/store"
	"github.com/dunamismax/pixelproxy/internal/telemetry"
	"github.com/dunamismax/pixelproxy/internal/transform"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.Logging, "pixelproxy-api")
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Tracing, "pixelproxy-api", logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
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
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("store close failed", zap.Error(err))
		}
	}()

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close failed", zap.Error(err))
		}
	}()

	rl := cfg.API.RateLimit
	policies := ratelimit.Policies{
		Default: ratelimit.Policy{Capacity: rl.Capacity, Window: rl.Window},
		Scopes: map[string]ratelimit.Policy{
			ratelimit.ScopeRenders: {Capacity: rl.RendersCapacity, Window: rl.Window},
		},
	}
	var limiter ratelimit.Limiter
	switch {
	case !rl.Enabled:
	case rl.Backend == "local":
		limiter, err = ratelimit.NewLocalTokenBucket(policies)
		if err != nil {
			return err
		}
	default:
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer redisClient.Close()

		limiter, err = ratelimit.NewRedisTokenBucket(redisClient, policies, "")
		if err != nil {
			return err
		}
	}

	app, err := api.NewServer(api.Deps{
		Logger:      logger,
		Transformer: transform.New(transform.ParseCapabilities(cfg.API.EnabledParams), nil),
		Origin:      src,
		Queue:       queueClient,
		Jobs:        jobs,
		Storage:     storageClient,
		RateLimiter: limiter,
	}, api.Options{
		CacheControl: cfg.API.CacheControl,
		PresignTTL:   cfg.API.PresignTTL,
		UserIDHeader: cfg.API.RateLimit.UserIDHeader,
		QueueName:    cfg.Queue.Name,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			zap.String("addr", cfg.API.Addr),
			zap.String("origin", cfg.Origin.Kind),
			zap.String("codec_backend", codec.Backend()),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	logger.Info("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	return nil
}
