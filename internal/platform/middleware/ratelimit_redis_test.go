package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisLimiter(t *testing.T, cfg WindowConfig) (*DistributedRateLimiter, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err, "failed to start miniredis")
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewDistributedRateLimiter(client, cfg, "test"), mr
}

func TestDistributedRateLimiter_Allow(t *testing.T) {
	rl, mr := setupRedisLimiter(t, WindowConfig{RequestsPerWindow: 2, Window: time.Minute})
	ctx := context.Background()

	ok, remaining, err := rl.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, remaining)

	ok, remaining, err = rl.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, remaining)

	ok, _, err = rl.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _, err = rl.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, ok, "other clients have their own budget")

	assert.Equal(t, time.Minute, mr.TTL("test:10.0.0.1"))
}

func TestDistributedRateLimiter_WindowResets(t *testing.T) {
	rl, mr := setupRedisLimiter(t, WindowConfig{RequestsPerWindow: 1, Window: time.Minute})
	ctx := context.Background()

	ok, _, _ := rl.Allow(ctx, "k")
	assert.True(t, ok)
	ok, _, _ = rl.Allow(ctx, "k")
	assert.False(t, ok)

	mr.FastForward(61 * time.Second)

	ok, _, err := rl.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDistributedRateLimiter_Reset(t *testing.T) {
	rl, _ := setupRedisLimiter(t, WindowConfig{RequestsPerWindow: 1, Window: time.Minute})
	ctx := context.Background()

	_, _, _ = rl.Allow(ctx, "k")
	require.NoError(t, rl.Reset(ctx, "k"))

	ok, _, err := rl.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDistributedRateLimiter_Defaults(t *testing.T) {
	rl := NewDistributedRateLimiter(nil, WindowConfig{}, "")
	assert.Equal(t, 60, rl.config.RequestsPerWindow)
	assert.Equal(t, time.Minute, rl.config.Window)
	assert.Equal(t, "ratelimit", rl.prefix)
}

func TestDistributedRateLimiter_Middleware(t *testing.T) {
	rl, _ := setupRedisLimiter(t, WindowConfig{RequestsPerWindow: 1, Window: 30 * time.Second})
	e := echo.New()
	handler := rl.Middleware(zerolog.Nop())(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	require.NoError(t, handler(e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = httptest.NewRecorder()
	err := handler(e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec))
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusTooManyRequests, httpErr.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
}

func TestDistributedRateLimiter_FailsOpen(t *testing.T) {
	rl, mr := setupRedisLimiter(t, WindowConfig{RequestsPerWindow: 1, Window: time.Minute})
	mr.Close()

	e := echo.New()
	called := 0
	handler := rl.Middleware(zerolog.Nop())(func(c echo.Context) error {
		called++
		return c.NoContent(http.StatusOK)
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, handler(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())))
	}
	assert.Equal(t, 3, called)
}
