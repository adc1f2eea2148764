package middleware

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds configuration for rate limiting.
type RateLimitConfig struct {
	Exports       Limit
	Default       Limit
	EnableMetrics bool
	// IdleTTL drops a client's limiter after it has been unused this long.
	IdleTTL time.Duration
}

// Limit allows Requests per Window with bursts up to Requests.
type Limit struct {
	Requests int
	Window   time.Duration
}

func (l Limit) every() rate.Limit {
	if l.Requests <= 0 || l.Window <= 0 {
		return rate.Inf
	}
	return rate.Every(l.Window / time.Duration(l.Requests))
}

// DefaultRateLimitConfig returns default rate limit configuration.
// Rendering the CSV export scans every table, so it is limited harder.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Exports: Limit{
			Requests: 10,
			Window:   1 * time.Minute,
		},
		Default: Limit{
			Requests: 120,
			Window:   1 * time.Minute,
		},
		EnableMetrics: true,
		IdleTTL:       10 * time.Minute,
	}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client and limit type.
type RateLimiter struct {
	config RateLimitConfig
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	clients  map[string]*clientLimiter
	allowed  map[string]uint64
	rejected map[string]uint64
}

// NewRateLimiter creates a new RateLimiter instance.
func NewRateLimiter(config RateLimitConfig, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		config:   config,
		logger:   logger.With("component", "rate_limiter"),
		now:      time.Now,
		clients:  make(map[string]*clientLimiter),
		allowed:  make(map[string]uint64),
		rejected: make(map[string]uint64),
	}
}

// Middleware returns a rate limiting middleware for a specific limit type.
func (rl *RateLimiter) Middleware(limitType string) func(next http.Handler) http.Handler {
	limit := rl.getLimit(limitType)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := clientID(r)
			lim := rl.limiter(limitType+":"+clientID, limit)

			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit.Requests))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", int(math.Max(0, lim.Tokens()))))

			if !lim.Allow() {
				rl.record(limitType, false)
				rl.logger.Warn("rate limit exceeded",
					"client_id", clientID,
					"limit_type", limitType,
					"limit", limit.Requests,
				)
				retry := time.Duration(float64(time.Second) / float64(limit.every()))
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(retry.Seconds()))))
				http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
				return
			}

			rl.record(limitType, true)
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) limiter(key string, limit Limit) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.evict(now)

	c, ok := rl.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(limit.every(), max(limit.Requests, 1))}
		rl.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter
}

// evict drops idle limiters. Callers hold mu.
func (rl *RateLimiter) evict(now time.Time) {
	if rl.config.IdleTTL <= 0 {
		return
	}
	for k, c := range rl.clients {
		if now.Sub(c.lastSeen) > rl.config.IdleTTL {
			delete(rl.clients, k)
		}
	}
}

func (rl *RateLimiter) getLimit(limitType string) Limit {
	switch limitType {
	case "export":
		return rl.config.Exports
	default:
		return rl.config.Default
	}
}

// clientID extracts a unique client identifier from the request.
func clientID(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func (rl *RateLimiter) record(limitType string, allowed bool) {
	if !rl.config.EnableMetrics {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if allowed {
		rl.allowed[limitType]++
	} else {
		rl.rejected[limitType]++
	}
}

// GetMetrics returns current rate limit metrics.
func (rl *RateLimiter) GetMetrics() map[string]uint64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	metrics := make(map[string]uint64, len(rl.allowed)+len(rl.rejected))
	for k, v := range rl.allowed {
		metrics[k+"_allowed"] = v
	}
	for k, v := range rl.rejected {
		metrics[k+"_rejected"] = v
	}
	return metrics
}
