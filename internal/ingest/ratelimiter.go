package ingest

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dfir-detect/internal/metrics"
)

// RateLimitConfig configures the fixed window rate limiter. Requests to
// tenant routes are counted per tenant, everything else per client IP.
type RateLimitConfig struct {
	Enabled        bool          `yaml:"enabled"`
	RequestsPerKey int           `yaml:"requests_per_key" validate:"min=0"`
	BurstSize      int           `yaml:"burst_size" validate:"min=0"`
	WindowSize     time.Duration `yaml:"window_size" validate:"required_if=Enabled true"`
	CleanupPeriod  time.Duration `yaml:"cleanup_period"`
	ExemptPaths    []string      `yaml:"exempt_paths"`
	TrustProxy     bool          `yaml:"trust_proxy"`
}

// DefaultRateLimitConfig returns the default limiter settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:        true,
		RequestsPerKey: 600,
		BurstSize:      100,
		WindowSize:     time.Minute,
		CleanupPeriod:  5 * time.Minute,
		ExemptPaths:    []string{"/health", "/metrics"},
	}
}

// RateLimiter counts requests per key in fixed windows.
type RateLimiter struct {
	cfg         RateLimitConfig
	mu          sync.Mutex
	clients     map[string]*clientState
	exemptPaths map[string]bool
	now         func() time.Time
	stopOnce    sync.Once
	stopCleanup chan struct{}

	allowed atomic.Uint64
	limited atomic.Uint64
}

type clientState struct {
	count     int64
	windowEnd time.Time
}

// NewRateLimiter creates a limiter and starts its cleanup loop.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = time.Minute
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 5 * cfg.WindowSize
	}
	exempt := make(map[string]bool, len(cfg.ExemptPaths))
	for _, p := range cfg.ExemptPaths {
		exempt[p] = true
	}

	rl := &RateLimiter{
		cfg:         cfg,
		clients:     make(map[string]*clientState),
		exemptPaths: exempt,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Limit is the number of requests allowed per key per window.
func (rl *RateLimiter) Limit() int {
	return rl.cfg.RequestsPerKey + rl.cfg.BurstSize
}

// Allow records a request for key and reports whether it is within the limit,
// the remaining allowance and when the window resets.
func (rl *RateLimiter) Allow(key string) (bool, int, time.Time) {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	client, ok := rl.clients[key]
	if !ok || now.After(client.windowEnd) {
		client = &clientState{windowEnd: now.Add(rl.cfg.WindowSize)}
		rl.clients[key] = client
	}

	limit := int64(rl.Limit())
	if client.count >= limit {
		rl.limited.Add(1)
		return false, 0, client.windowEnd
	}
	client.count++
	rl.allowed.Add(1)
	return true, int(limit - client.count), client.windowEnd
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup drops keys whose window ended more than one window ago.
func (rl *RateLimiter) cleanup() int {
	threshold := rl.now().Add(-rl.cfg.WindowSize)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, client := range rl.clients {
		if client.windowEnd.Before(threshold) {
			delete(rl.clients, key)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.clients))
	}
	return removed
}

// Stop stops the cleanup loop. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// IsExempt reports whether path bypasses rate limiting.
func (rl *RateLimiter) IsExempt(path string) bool {
	return rl.exemptPaths[path]
}

// RateLimiterStats holds rate limiter statistics.
type RateLimiterStats struct {
	TrackedKeys int    `json:"tracked_keys"`
	Allowed     uint64 `json:"allowed"`
	Limited     uint64 `json:"limited"`
}

// Stats returns current rate limiter statistics.
func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	tracked := len(rl.clients)
	rl.mu.Unlock()

	return RateLimiterStats{
		TrackedKeys: tracked,
		Allowed:     rl.allowed.Load(),
		Limited:     rl.limited.Load(),
	}
}

func rateLimitMiddleware(next http.Handler, limiter *RateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limiter.IsExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		key := rateLimitKey(r, limiter.cfg.TrustProxy)
		allowed, remaining, reset := limiter.Allow(key)

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limiter.Limit()))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", reset.Unix()))

		if !allowed {
			metrics.HTTPRateLimitedTotal.Inc()
			slog.Warn("rate limit exceeded", "key", key, "path", r.URL.Path, "method", r.Method)

			retryAfter := int(time.Until(reset).Seconds()) + 1
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			respondError(w, http.StatusTooManyRequests, "too many requests", "")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// rateLimitKey returns "tenant:<id>" for tenant routes and "ip:<addr>"
// otherwise. Middleware runs before routing, so the tenant is read from the
// path directly.
func rateLimitKey(r *http.Request, trustProxy bool) string {
	if rest, ok := strings.CutPrefix(r.URL.Path, "/v1/tenants/"); ok {
		if tenant, _, _ := strings.Cut(rest, "/"); tenant != "" {
			return "tenant:" + tenant
		}
	}
	return "ip:" + clientIP(r, trustProxy)
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
