package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dunamismax/pixelproxy/internal/origin"
	"github.com/dunamismax/pixelproxy/internal/queue"
	"github.com/dunamismax/pixelproxy/internal/ratelimit"
	"github.com/dunamismax/pixelproxy/internal/store"
	"github.com/dunamismax/pixelproxy/internal/transform"
)

type Server struct {
	logger      *zap.Logger
	transformer *transform.Transformer
	origin      origin.Fetcher
	queueClient queueEnqueuer
	jobStore    store.JobStore
	storage     objectStorage
	rateLimiter ratelimit.Limiter
	opts        Options
	metrics     *metrics
	tracer      trace.Tracer
	router      chi.Router
	now         func() time.Time
}

type queueEnqueuer interface {
	EnqueueRender(ctx context.Context, payload queue.RenderPayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
}

type Options struct {
	CacheControl string
	PresignTTL   time.Duration
	// UserIDHeader names the header that identifies the caller for rate
	// limiting and usage attribution.
	UserIDHeader string
	QueueName    string
}

// Deps are the collaborators of the server. Only Transformer and Origin are
// required; the render endpoints answer 503 without a queue and job store.
type Deps struct {
	Logger      *zap.Logger
	Transformer *transform.Transformer
	Origin      origin.Fetcher
	Queue       queueEnqueuer
	Jobs        store.JobStore
	Storage     objectStorage
	RateLimiter ratelimit.Limiter
}

func NewServer(deps Deps, opts Options) (*Server, error) {
	if deps.Transformer == nil {
		return nil, errors.New("transformer is required")
	}
	if deps.Origin == nil {
		return nil, errors.New("origin is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Storage == nil {
		deps.Storage = unavailableObjectStorage{}
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	if opts.UserIDHeader == "" {
		opts.UserIDHeader = "X-User-ID"
	}
	if opts.QueueName == "" {
		opts.QueueName = "default"
	}

	s := &Server{
		logger:      deps.Logger,
		transformer: deps.Transformer,
		origin:      deps.Origin,
		queueClient: deps.Queue,
		jobStore:    deps.Jobs,
		storage:     deps.Storage,
		rateLimiter: deps.RateLimiter,
		opts:        opts,
		metrics:     newMetrics(),
		tracer:      otel.Tracer("pixelproxy/api"),
		now:         func() time.Time { return time.Now().UTC() },
	}
	s.routes()
	return s, nil
}

type unavailableObjectStorage struct{}

func (unavailableObjectStorage) PresignedPutURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", errors.New("object storage is unavailable")
}

func (unavailableObjectStorage) ObjectExists(_ context.Context, _ string) (bool, error) {
	return false, errors.New("object storage is unavailable")
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.withRecover)
	r.Use(s.withTracing)
	r.Use(s.withObservability)
	r.Use(s.withRateLimit)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.metricsHandler())
	r.Get("/img/*", s.handleImage)
	r.Head("/img/*", s.handleImage)

	r.Route("/v1/renders", func(r chi.Router) {
		r.Use(s.requireJobs)
		r.Post("/", s.handleCreateRender)
		r.Get("/{id}", s.handleGetRender)
		r.Post("/{id}/start", s.handleStartRender)
	})
	s.router = r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) requireJobs(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.jobStore == nil || s.queueClient == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "render jobs are not configured"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic serving request",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.Stack("stack"),
				)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
