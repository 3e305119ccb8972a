package web

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/wgcontrol/wgcontrol/lib/metrics"
	"github.com/wgcontrol/wgcontrol/lib/ratelimit"
)

// RateLimitConfig configures per-client rate limiting of the API.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate allowed per client address.
	RequestsPerSecond float64
	// BurstSize is the maximum burst per client address.
	BurstSize int
	// CleanupInterval is how often idle client buckets are dropped.
	CleanupInterval time.Duration
	// TrustProxy makes X-Forwarded-For and X-Real-IP authoritative. Enable
	// it only behind a reverse proxy that overwrites those headers.
	TrustProxy bool
}

// DefaultRateLimitConfig returns the limits used when none are configured.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 10,
		BurstSize:         30,
		CleanupInterval:   5 * time.Minute,
	}
}

// RateLimiter is per-client HTTP middleware.
type RateLimiter struct {
	limiter    *ratelimit.KeyedLimiter
	trustProxy bool
	onReject   func(ip, path string)
}

// NewRateLimiter creates a limiter. Non-positive fields fall back to
// DefaultRateLimitConfig.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	def := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}

	return &RateLimiter{
		limiter:    ratelimit.NewKeyed(cfg.RequestsPerSecond, cfg.BurstSize, cfg.CleanupInterval),
		trustProxy: cfg.TrustProxy,
	}
}

// SetOnReject sets a callback invoked for every rejected request.
func (rl *RateLimiter) SetOnReject(fn func(ip, path string)) {
	rl.onReject = fn
}

// Close stops the eviction loop.
func (rl *RateLimiter) Close() {
	rl.limiter.Close()
}

// Middleware answers 429 once a client exceeds its budget.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, rl.trustProxy)
		if !rl.limiter.Allow(ip) {
			metrics.RateLimitRejections.Inc()
			if rl.onReject != nil {
				rl.onReject(ip, r.URL.Path)
			}
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, envelope{Errors: "Too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the address requests are accounted to.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip.String()
			}
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
