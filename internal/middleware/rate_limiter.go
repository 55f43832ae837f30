package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter bounds how often one tenant may submit validations for one
// agent. Each tenant:agent key gets its own token bucket.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*keyLimiter
	defaults RateLimitConfig
	logger   *slog.Logger
	now      func() time.Time
}

// RateLimitConfig defines the rate limiting thresholds.
type RateLimitConfig struct {
	MaxCallsPerMinute int `yaml:"max_calls_per_minute"`
	BurstSize         int `yaml:"burst_size"`
}

type keyLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter. Idle keys are collected by Run.
func NewRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if cfg.MaxCallsPerMinute <= 0 {
		cfg.MaxCallsPerMinute = 60
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = cfg.MaxCallsPerMinute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		limiters: make(map[string]*keyLimiter),
		defaults: cfg,
		logger:   logger.With("component", "ratelimit"),
		now:      time.Now,
	}
}

// Allow reports whether a request for key fits within the limit.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()
	rl.mu.Lock()
	kl, ok := rl.limiters[key]
	if !ok {
		perSecond := rate.Limit(float64(rl.defaults.MaxCallsPerMinute) / 60)
		kl = &keyLimiter{limiter: rate.NewLimiter(perSecond, rl.defaults.BurstSize)}
		rl.limiters[key] = kl
	}
	kl.lastSeen = now
	rl.mu.Unlock()

	if !kl.limiter.AllowN(now, 1) {
		rl.logger.Warn("rate limit exceeded", "key", key, "max_per_minute", rl.defaults.MaxCallsPerMinute)
		return false
	}
	return true
}

// Middleware rejects requests over the limit with 429. The key is the tenant
// from the request context and the agent from keyFn.
func (rl *RateLimiter) Middleware(keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			agentID := keyFn(r)
			if agentID == "" {
				agentID = "anonymous"
			}
			key := TenantFromContext(r.Context()) + ":" + agentID

			if !rl.Allow(key) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "60")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate limit exceeded","retry_after_seconds":60}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Run removes keys idle for more than two minutes until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweep(rl.now())
		case <-ctx.Done():
			return
		}
	}
}

func (rl *RateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, kl := range rl.limiters {
		if now.Sub(kl.lastSeen) > 2*time.Minute {
			delete(rl.limiters, key)
		}
	}
}

// Stats returns current rate limiter statistics.
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return map[string]interface{}{
		"active_keys":       len(rl.limiters),
		"max_calls_per_min": rl.defaults.MaxCallsPerMinute,
		"burst_size":        rl.defaults.BurstSize,
	}
}
