package ingest

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"dfir-detect/internal/metrics"
)

// AuthConfig configures API key authentication.
type AuthConfig struct {
	Enabled      bool     `yaml:"enabled"`
	APIKeyHeader string   `yaml:"api_key_header" validate:"required_if=Enabled true"`
	APIKeys      []string `yaml:"api_keys" validate:"required_if=Enabled true,dive,min=16"`
}

// MiddlewareConfig selects the middleware applied by WithMiddleware.
type MiddlewareConfig struct {
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Headers   HeadersConfig
}

// WithMiddleware wraps handler with recovery, security headers, logging,
// authentication and rate limiting. The returned stop function releases the
// rate limiter.
func WithMiddleware(handler http.Handler, cfg MiddlewareConfig) (http.Handler, func()) {
	h := handler
	stop := func() {}

	if cfg.RateLimit.Enabled {
		limiter := NewRateLimiter(cfg.RateLimit)
		h = rateLimitMiddleware(h, limiter)
		stop = limiter.Stop
	}
	if cfg.Auth.Enabled {
		h = authMiddleware(h, cfg.Auth)
	}
	h = loggingMiddleware(h)
	if cfg.Headers.Enabled {
		h = headersMiddleware(h, cfg.Headers)
	}
	h = recoveryMiddleware(h)

	return h, stop
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, strconv.Itoa(wrapped.statusCode)).
			Observe(duration.Seconds())

		level := slog.LevelInfo
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		slog.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func authMiddleware(next http.Handler, cfg AuthConfig) http.Handler {
	keys := make([][]byte, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys = append(keys, []byte(k))
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := r.Header.Get(cfg.APIKeyHeader)
		if apiKey == "" {
			respondError(w, http.StatusUnauthorized, "missing API key", "")
			return
		}
		if !validKey(keys, []byte(apiKey)) {
			slog.Warn("rejected API key", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			respondError(w, http.StatusUnauthorized, "invalid API key", "")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func validKey(keys [][]byte, candidate []byte) bool {
	ok := 0
	for _, k := range keys {
		ok |= subtle.ConstantTimeCompare(k, candidate)
	}
	return ok == 1
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered", "error", err, "path", r.URL.Path)
				respondError(w, http.StatusInternalServerError, "internal server error", "")
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// responseWriter captures the status code written by a handler.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
