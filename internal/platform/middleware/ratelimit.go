package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/ehr/ledger/internal/platform/auth"
)

// RateLimitConfig sizes the per-client token bucket.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 20,
		BurstSize:         40,
	}
}

// rateLimiterStore holds one limiter per client key.
type rateLimiterStore struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	config   RateLimitConfig
}

func newRateLimiterStore(cfg RateLimitConfig) *rateLimiterStore {
	return &rateLimiterStore{
		limiters: make(map[string]*rate.Limiter),
		config:   cfg,
	}
}

func (s *rateLimiterStore) get(key string) *rate.Limiter {
	s.mu.RLock()
	lim, ok := s.limiters[key]
	s.mu.RUnlock()
	if ok {
		return lim
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if lim, ok := s.limiters[key]; ok {
		return lim
	}
	lim = rate.NewLimiter(rate.Limit(s.config.RequestsPerSecond), s.config.BurstSize)
	s.limiters[key] = lim
	return lim
}

// retryAfter is the whole number of seconds until lim has a token again.
func retryAfter(lim *rate.Limiter) int {
	perSec := float64(lim.Limit())
	if perSec <= 0 {
		return 1
	}
	wait := (1 - lim.Tokens()) / perSec
	return int(math.Ceil(math.Max(wait, 1)))
}

// RateLimit throttles each client with its own token bucket. Authenticated
// requests are keyed by actor so a shared till terminal does not starve the
// other cashiers behind the same address; install it after the auth
// middleware for that to apply.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := newRateLimiterStore(cfg)
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := "ip:" + c.RealIP()
			if actor := auth.UserIDFromContext(c.Request().Context()); actor != "" {
				key = "actor:" + actor
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)
			lim := store.get(key)
			if !lim.Allow() {
				h.Set("Retry-After", strconv.Itoa(retryAfter(lim)))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
