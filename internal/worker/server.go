package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dunamismax/pixelproxy/internal/config"
	"github.com/dunamismax/pixelproxy/internal/domain"
	"github.com/dunamismax/pixelproxy/internal/origin"
	"github.com/dunamismax/pixelproxy/internal/pipeline"
	"github.com/dunamismax/pixelproxy/internal/queue"
	"github.com/dunamismax/pixelproxy/internal/storage"
	"github.com/dunamismax/pixelproxy/internal/store"
	"github.com/dunamismax/pixelproxy/internal/transform"
	"github.com/dunamismax/pixelproxy/internal/webhook"
)

type Server struct {
	logger          *zap.Logger
	server          *asynq.Server
	sem             chan struct{}
	localProcessor  *pipeline.Processor
	objectProcessor *pipeline.Processor
	webhookClient   webhookSender
	jobStore        store.JobStore
	usageStore      store.UsageStore
	metrics         *metrics
	tracer          trace.Tracer
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// Deps are the collaborators of the worker. Without Storage, s3_presigned
// jobs are rejected and origin jobs write their variants to the local
// output directory.
type Deps struct {
	Transformer *transform.Transformer
	Storage     *storage.Client
	Origin      origin.Fetcher
	Webhook     webhookSender
	Jobs        store.JobStore
	Usage       store.UsageStore
	MaxBytes    int64
}

func NewServer(logger *zap.Logger, queueCfg config.QueueConfig, workerCfg config.WorkerConfig, deps Deps) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s, err := newServer(logger, workerCfg, deps)
	if err != nil {
		return nil, err
	}
	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: workerCfg.Concurrency,
			Queues: map[string]int{
				queueCfg.Name: 1,
			},
			LogLevel: asynq.InfoLevel,
			Logger:   logger.Named("asynq").Sugar(),
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Warn("task failed",
					zap.String("type", task.Type()),
					zap.Int("retry", retried),
					zap.Int("max_retry", maxRetry),
					zap.Error(err),
				)
			}),
		},
	)
	return s, nil
}

func newServer(logger *zap.Logger, workerCfg config.WorkerConfig, deps Deps) (*Server, error) {
	if deps.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}

	localProcessor, err := pipeline.NewLocalProcessor(workerCfg.LocalOutputDir, deps.Transformer)
	if err != nil {
		return nil, fmt.Errorf("initialize local processor: %w", err)
	}

	fetchers := pipeline.SourceFetchers{}
	var emitter pipeline.Emitter = pipeline.LocalFileEmitter{OutputDir: workerCfg.LocalOutputDir}
	if deps.Storage != nil {
		fetchers[domain.SourceTypeS3Presigned] = pipeline.ObjectStoreFetcher{Storage: deps.Storage, MaxBytes: deps.MaxBytes}
		emitter = pipeline.ObjectStoreEmitter{Storage: deps.Storage}
	}
	if deps.Origin != nil {
		fetchers[domain.SourceTypeOrigin] = pipeline.OriginFetcher{Origin: deps.Origin}
	}
	objectProcessor, err := pipeline.NewProcessor(fetchers, deps.Transformer, emitter)
	if err != nil {
		return nil, fmt.Errorf("initialize object-store processor: %w", err)
	}

	usageStore := deps.Usage
	if usageStore == nil {
		if jobAndUsageStore, ok := deps.Jobs.(store.UsageStore); ok {
			usageStore = jobAndUsageStore
		}
	}

	return &Server{
		logger:          logger,
		sem:             make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		localProcessor:  localProcessor,
		objectProcessor: objectProcessor,
		webhookClient:   deps.Webhook,
		jobStore:        deps.Jobs,
		usageStore:      usageStore,
		metrics:         newMetrics(),
		tracer:          otel.Tracer("pixelproxy/worker"),
	}, nil
}

// Start begins processing in the background. Call Shutdown to stop.
func (s *Server) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeRender, s.handleRender)
	return s.server.Start(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleRender(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed

	payload, err := queue.ParseRenderPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.render", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.source_type", payload.SourceType),
		attribute.Int("job.variants", len(payload.Variants)),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(payload.SourceType, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(payload.SourceType, outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	log := s.logger.With(zap.String("job_id", payload.JobID))
	log.Info("render started",
		zap.String("source_type", payload.SourceType),
		zap.String("object_key", payload.ObjectKey),
		zap.Int("variants", len(payload.Variants)),
	)
	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	request := pipeline.Request{
		JobID:      payload.JobID,
		SourceType: payload.SourceType,
		ObjectKey:  payload.ObjectKey,
		AcceptWebP: payload.AcceptWebP,
		Variants:   payload.Variants,
	}

	var result pipeline.Result
	switch payload.SourceType {
	case domain.SourceTypeLocalFile:
		result, err = s.localProcessor.Process(ctx, request)
	default:
		result, err = s.objectProcessor.Process(ctx, request)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "render failed")
		permanent := isPermanent(err)
		if !permanent && !lastAttempt(ctx) {
			log.Warn("render attempt failed, will retry", zap.Error(err))
			s.updateJobStatus(ctx, payload.JobID, domain.JobStatusQueued)
			return fmt.Errorf("render: %w", err)
		}

		log.Error("render failed", zap.Bool("permanent", permanent), zap.Error(err))
		s.finishJob(ctx, payload.JobID, domain.JobStatusFailed, nil, err.Error())
		s.dispatchWebhook(ctx, payload, webhook.EventRenderFailed, map[string]any{
			"job_id":       payload.JobID,
			"status":       domain.JobStatusFailed,
			"source_type":  payload.SourceType,
			"object_key":   payload.ObjectKey,
			"requested_at": payload.RequestedAt,
			"failed_at":    time.Now().UTC(),
			"error":        err.Error(),
		})
		if permanent {
			return fmt.Errorf("render: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("render: %w", err)
	}

	for _, out := range result.Outputs {
		s.metrics.variantsTotal.WithLabelValues(out.Format, strconv.FormatBool(out.Reencoded)).Inc()
	}
	log.Info("render completed", zap.Int("outputs", len(result.Outputs)), zap.Duration("elapsed", time.Since(startedAt)))
	s.finishJob(ctx, payload.JobID, domain.JobStatusSucceeded, result.Outputs, "")
	s.recordUsage(ctx, payload, result, time.Since(startedAt))

	s.dispatchWebhook(ctx, payload, webhook.EventRenderCompleted, map[string]any{
		"job_id":       payload.JobID,
		"status":       domain.JobStatusSucceeded,
		"source_type":  payload.SourceType,
		"object_key":   payload.ObjectKey,
		"requested_at": payload.RequestedAt,
		"completed_at": time.Now().UTC(),
		"outputs":      result.Outputs,
	})

	outcome = domain.JobStatusSucceeded
	span.SetStatus(codes.Ok, "rendered")
	return nil
}

// isPermanent reports failures that a retry cannot fix: bad sources,
// oversized images and missing objects.
func isPermanent(err error) bool {
	for _, target := range []error{
		transform.ErrSizeLimitExceeded,
		transform.ErrUnsupportedSource,
		transform.ErrEncodeFailure,
		pipeline.ErrUnsupportedSourceType,
		origin.ErrNotFound,
		origin.ErrTooLarge,
		origin.ErrInvalidKey,
		storage.ErrObjectNotFound,
		storage.ErrObjectTooLarge,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func lastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	return retried >= maxRetry
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Warn("job status update failed", zap.String("job_id", jobID), zap.String("status", status), zap.Error(err))
	}
}

func (s *Server) finishJob(ctx context.Context, jobID, status string, outputs []domain.RenderOutput, failure string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.Finish(ctx, jobID, status, outputs, failure); err != nil {
		s.logger.Warn("job finish failed", zap.String("job_id", jobID), zap.String("status", status), zap.Error(err))
	}
}

// dispatchWebhook delivers the event. Delivery failures are logged and
// counted but do not fail the job.
func (s *Server) dispatchWebhook(ctx context.Context, payload queue.RenderPayload, event string, body map[string]any) {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return
	}
	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.metrics.webhookFailures.Inc()
		s.logger.Warn("webhook delivery failed", zap.String("job_id", payload.JobID), zap.String("event", event), zap.Error(err))
	}
}

func (s *Server) recordUsage(ctx context.Context, payload queue.RenderPayload, result pipeline.Result, computeDuration time.Duration) {
	if s.usageStore == nil {
		return
	}

	userID := strings.TrimSpace(payload.UserID)
	if userID == "" && s.jobStore != nil {
		job, ok, err := s.jobStore.Get(ctx, payload.JobID)
		if err != nil {
			s.logger.Warn("usage lookup failed", zap.String("job_id", payload.JobID), zap.Error(err))
		} else if ok {
			userID = strings.TrimSpace(job.UserID)
		}
	}
	if userID == "" {
		userID = "anonymous"
	}

	var (
		pixelsProcessed  int64
		totalOutputBytes int
	)
	for _, output := range result.Outputs {
		pixelsProcessed += int64(output.Width) * int64(output.Height)
		totalOutputBytes += output.Bytes
	}

	// Savings are measured per variant against the source.
	bytesSaved := max(0, int64(result.SourceBytes)*int64(len(result.Outputs))-int64(totalOutputBytes))
	computeTimeMS := max(1, computeDuration.Milliseconds())

	usage := domain.UsageLog{
		UserID:          userID,
		JobID:           payload.JobID,
		Variants:        len(result.Outputs),
		PixelsProcessed: pixelsProcessed,
		BytesSaved:      bytesSaved,
		ComputeTimeMS:   computeTimeMS,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.usageStore.CreateUsageLog(ctx, usage); err != nil {
		s.logger.Warn("usage log write failed", zap.String("job_id", payload.JobID), zap.Error(err))
		return
	}

	s.metrics.pixelsProcessedTotal.Add(float64(pixelsProcessed))
	s.metrics.bytesSavedTotal.Add(float64(bytesSaved))
	s.metrics.computeTimeMSTotal.Add(float64(computeTimeMS))
}
