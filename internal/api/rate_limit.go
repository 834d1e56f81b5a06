package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dunamismax/pixelproxy/internal/ratelimit"
)

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, limited := rateLimitScope(r)
		if !limited {
			next.ServeHTTP(w, r)
			return
		}

		key := ratelimit.Key{Scope: scope, Subject: strings.TrimSpace(r.Header.Get(s.opts.UserIDHeader))}
		if key.Subject == "" {
			key.Subject = clientIP(r)
		}

		decision, err := s.rateLimiter.Allow(r.Context(), key)
		if err != nil {
			s.logger.Warn("rate limiter check failed", zap.Stringer("key", key), zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := max(1, int(decision.RetryAfter.Round(time.Second).Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		s.metrics.rateLimitRejected.WithLabelValues(scope).Inc()
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error": "rate limit exceeded",
		})
	})
}

// rateLimitScope runs before routing, so scopes are derived from the path.
func rateLimitScope(r *http.Request) (string, bool) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/img/"):
		return ratelimit.ScopeImages, true
	case strings.HasPrefix(r.URL.Path, "/v1/renders") && r.Method != http.MethodGet:
		return ratelimit.ScopeRenders, true
	default:
		return "", false
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
