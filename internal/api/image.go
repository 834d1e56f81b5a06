package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5"
	"github.com/munnerz/goautoneg"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/dunamismax/pixelproxy/internal/origin"
	"github.com/dunamismax/pixelproxy/internal/transform"
)

// handleImage serves GET /img/{key}?{params}. The path names the origin
// object and the raw query is the ordered parameter list.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	key, err := origin.CleanKey(chi.URLParam(r, "*"))
	if err != nil {
		writeText(w, http.StatusBadRequest, transform.Message(err))
		return
	}

	fetchStart := time.Now()
	source, err := s.origin.Fetch(ctx, key)
	s.metrics.originFetchDuration.WithLabelValues(outcomeLabel(err)).Observe(time.Since(fetchStart).Seconds())
	if err != nil {
		status := originStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Warn("origin fetch failed", zap.String("key", key), zap.Error(err))
		}
		writeText(w, status, transform.Message(err))
		return
	}

	req := transform.Request{
		Source:     source,
		Params:     transform.ParseQuery(r.URL.RawQuery),
		AcceptWebP: acceptsWebP(r.Header.Values("Accept")),
	}

	_, span := s.tracer.Start(ctx, "transform")
	span.SetAttributes(
		attribute.String("image.key", key),
		attribute.Int("image.source_bytes", len(source)),
		attribute.Bool("image.accept_webp", req.AcceptWebP),
	)
	start := time.Now()
	res, err := s.transformer.Transform(req)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transform failed")
		span.End()

		kind := errorKind(err)
		s.metrics.transformErrors.WithLabelValues(kind).Inc()
		s.logger.Info("transform rejected",
			zap.String("key", key),
			zap.String("kind", kind),
			zap.Error(err),
		)
		writeText(w, transformStatus(err), transform.Message(err))
		return
	}
	span.SetAttributes(
		attribute.Int("image.op_count", len(res.Operations)),
		attribute.String("image.format", res.Format),
		attribute.Bool("image.reencoded", res.Reencoded),
	)
	span.End()

	s.metrics.transformsTotal.WithLabelValues(res.Format, strconv.FormatBool(res.Reencoded)).Inc()
	s.metrics.transformDuration.WithLabelValues(res.Format).Observe(elapsed.Seconds())
	s.metrics.outputBytes.WithLabelValues(res.Format).Observe(float64(len(res.Data)))
	s.logger.Debug("image served",
		zap.String("key", key),
		zap.Int("op_count", len(res.Operations)),
		zap.String("format", res.Format),
		zap.Int("bytes", len(res.Data)),
		zap.Bool("reencoded", res.Reencoded),
		zap.Duration("elapsed", elapsed),
	)

	etag := `"` + strconv.FormatUint(xxhash.Sum64(res.Data), 16) + `"`
	h := w.Header()
	h.Set("ETag", etag)
	h.Set("Vary", "Accept")
	if s.opts.CacheControl != "" {
		h.Set("Cache-Control", s.opts.CacheControl)
	}
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h.Set("Content-Type", res.MIME)
	h.Set("Content-Length", strconv.Itoa(len(res.Data)))
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(res.Data)
	}
}

// acceptsWebP reports whether the Accept header lists image/webp with a
// non-zero quality. Wildcards do not count.
func acceptsWebP(values []string) bool {
	for _, value := range values {
		for _, accept := range goautoneg.ParseAccept(value) {
			if strings.EqualFold(accept.Type, "image") && strings.EqualFold(accept.SubType, "webp") && accept.Q > 0 {
				return true
			}
		}
	}
	return false
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

func transformStatus(err error) int {
	switch {
	case errors.Is(err, transform.ErrSizeLimitExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, transform.ErrUnsupportedSource):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusInternalServerError
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, transform.ErrSizeLimitExceeded):
		return "size_limit"
	case errors.Is(err, transform.ErrUnsupportedSource):
		return "unsupported_source"
	case errors.Is(err, transform.ErrEncodeFailure):
		return "encode"
	default:
		return "internal"
	}
}

func originStatus(err error) int {
	switch {
	case errors.Is(err, origin.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, origin.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, origin.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusBadGateway
	}
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body + "\n"))
}
