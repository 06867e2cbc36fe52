package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// WindowConfig is a fixed-window request budget.
type WindowConfig struct {
	RequestsPerWindow int
	Window            time.Duration
}

// DistributedRateLimiter counts requests per key in Redis so that every
// server instance shares the same budget.
type DistributedRateLimiter struct {
	client *redis.Client
	config WindowConfig
	prefix string
}

func NewDistributedRateLimiter(client *redis.Client, cfg WindowConfig, prefix string) *DistributedRateLimiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.RequestsPerWindow <= 0 {
		cfg.RequestsPerWindow = 60
	}
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &DistributedRateLimiter{client: client, config: cfg, prefix: prefix}
}

func (rl *DistributedRateLimiter) key(k string) string {
	return rl.prefix + ":" + k
}

// Allow increments the counter for key and reports whether it is still within
// the window budget together with the remaining requests. On a Redis error the
// request is allowed and the error returned.
func (rl *DistributedRateLimiter) Allow(ctx context.Context, key string) (bool, int, error) {
	redisKey := rl.key(key)

	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.TTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, rl.config.RequestsPerWindow, fmt.Errorf("redis: %w", err)
	}
	// A key without expiry starts a new window.
	if ttl.Val() < 0 {
		if err := rl.client.Expire(ctx, redisKey, rl.config.Window).Err(); err != nil {
			return true, rl.config.RequestsPerWindow, fmt.Errorf("redis: %w", err)
		}
	}

	count := int(incr.Val())
	remaining := rl.config.RequestsPerWindow - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= rl.config.RequestsPerWindow, remaining, nil
}

// TTL returns the time until the window for key resets.
func (rl *DistributedRateLimiter) TTL(ctx context.Context, key string) (time.Duration, error) {
	return rl.client.TTL(ctx, rl.key(key)).Result()
}

// Reset clears the counter for key.
func (rl *DistributedRateLimiter) Reset(ctx context.Context, key string) error {
	return rl.client.Del(ctx, rl.key(key)).Err()
}

// Middleware limits requests per client IP. Redis failures are logged and the
// request is let through.
func (rl *DistributedRateLimiter) Middleware(logger zerolog.Logger) echo.MiddlewareFunc {
	limit := strconv.Itoa(rl.config.RequestsPerWindow)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			key := c.RealIP()

			allowed, remaining, err := rl.Allow(ctx, key)
			if err != nil {
				logger.Warn().Err(err).Str("prefix", rl.prefix).Msg("rate limiter unavailable, allowing request")
				return next(c)
			}
			if !allowed {
				retryAfter := rl.config.Window
				if ttl, err := rl.TTL(ctx, key); err == nil && ttl > 0 {
					retryAfter = ttl
				}
				return rejectRateLimited(c, limit, retryAfter)
			}

			c.Response().Header().Set("X-RateLimit-Limit", limit)
			c.Response().Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			return next(c)
		}
	}
}
