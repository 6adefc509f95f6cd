package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mab-api/internal/telemetry"
)

// statusRecorder captures the status code written downstream.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

const maxUserAgentLen = 256

// exempt paths bypass rate limiting so probes and scrapes never starve.
var exemptPaths = map[string]bool{
	"/":        true,
	"/health":  true,
	"/metrics": true,
}

// withLogging emits one structured line per request and feeds the
// request counter. The request id is echoed back in X-Request-ID.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		ua := r.UserAgent()
		if len(ua) > maxUserAgentLen {
			ua = ua[:maxUserAgentLen]
		}
		pattern := endpointPattern(r.Method, r.URL.Path)
		telemetry.ObserveRequest(r.Method, pattern, rec.status)
		s.log.WithFields(logrus.Fields{
			"type":        "request",
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
			"client_ip":   clientIP(r),
			"user_agent":  ua,
		}).Info("request completed")
	})
}

// withRateLimit enforces the per-(client, endpoint) sliding window.
// Every limited response carries the X-RateLimit-* headers; a rejection
// adds Retry-After and a JSON 429 body.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exemptPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		pattern := endpointPattern(r.Method, r.URL.Path)
		limit := s.limits.lookup(pattern)
		key := clientIP(r) + "|" + pattern

		allowed, remaining, reset, err := s.limiter.Allow(r.Context(), key, limit.Max, limit.Window)
		if err != nil {
			// A broken limiter store must not take the API down.
			s.log.WithError(err).Warn("rate limiter unavailable, letting request through")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.Max))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.Itoa(reset))

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(reset))
			telemetry.ObserveRateLimited(pattern)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded, retry later")
			return
		}
		next.ServeHTTP(w, r)
	})
}
