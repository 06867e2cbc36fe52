package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL is how long a client's limiter is kept after its last request.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
		IdleTTL:           5 * time.Minute,
	}
}

type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// rateLimiterStore holds per-key limiters.
type rateLimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	config   RateLimitConfig
	now      func() time.Time
}

func newRateLimiterStore(cfg RateLimitConfig) *rateLimiterStore {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 5 * time.Minute
	}
	return &rateLimiterStore{
		limiters: make(map[string]*clientLimiter),
		config:   cfg,
		now:      time.Now,
	}
}

func (s *rateLimiterStore) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cl, ok := s.limiters[key]
	if !ok {
		cl = &clientLimiter{lim: rate.NewLimiter(rate.Limit(s.config.RequestsPerSecond), s.config.BurstSize)}
		s.limiters[key] = cl
	}
	cl.lastSeen = now
	return cl.lim
}

// evict drops limiters idle for longer than IdleTTL.
func (s *rateLimiterStore) evict() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for k, cl := range s.limiters {
		if now.Sub(cl.lastSeen) > s.config.IdleTTL {
			delete(s.limiters, k)
			n++
		}
	}
	return n
}

func (s *rateLimiterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// RateLimit returns a rate limiting middleware keyed by client IP.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := newRateLimiterStore(cfg)
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if store.size() > 10000 {
				store.evict()
			}

			lim := store.get(c.RealIP())
			r := lim.Reserve()
			if !r.OK() {
				return rejectRateLimited(c, limit, time.Second)
			}
			if delay := r.Delay(); delay > 0 {
				r.Cancel()
				return rejectRateLimited(c, limit, delay)
			}

			c.Response().Header().Set("X-RateLimit-Limit", limit)
			c.Response().Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(lim.Tokens())))
			return next(c)
		}
	}
}

func rejectRateLimited(c echo.Context, limit string, retryAfter time.Duration) error {
	secs := int(retryAfter / time.Second)
	if retryAfter%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
	c.Response().Header().Set("X-RateLimit-Limit", limit)
	c.Response().Header().Set("X-RateLimit-Remaining", "0")
	return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
}
