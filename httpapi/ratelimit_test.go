package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newLimitedRouter(t *testing.T, cfg RateLimitConfig) (*gin.Engine, *miniredis.Miniredis) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	limiter := NewRateLimiter(rdb, cfg, zap.NewNop())
	r := gin.New()
	r.Use(limiter.Middleware())
	r.POST("/api/payout", func(c *gin.Context) { c.JSON(http.StatusAccepted, gin.H{"success": true}) })
	r.GET("/api/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "healthy"}) })
	return r, mr
}

func postPayout(r *gin.Engine, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/payout", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.7:40000"
	r.ServeHTTP(w, req)
	return w
}

func TestUserRateLimit(t *testing.T) {
	r, _ := newLimitedRouter(t, RateLimitConfig{
		Window: time.Minute, MaxRequests: 100,
		UserWindow: time.Minute, UserMax: 10,
	})

	// Scenario: 11 rapid requests for the same user inside the window; the
	// 11th trips the per-user bucket.
	for i := 0; i < 10; i++ {
		w := postPayout(r, `{"user_id":"user_001","amount":"1.00"}`)
		require.Equal(t, http.StatusAccepted, w.Code, "request %d", i+1)
	}
	w := postPayout(r, `{"user_id":"user_001","amount":"1.00"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "USER_RATE_LIMIT_EXCEEDED")
	assert.Contains(t, w.Body.String(), "retry_after")

	// A different user from the same IP still has budget.
	w = postPayout(r, `{"user_id":"user_002","amount":"1.00"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestGlobalRateLimit(t *testing.T) {
	r, _ := newLimitedRouter(t, RateLimitConfig{
		Window: time.Minute, MaxRequests: 3,
		UserWindow: time.Minute, UserMax: 100,
	})

	for i := 0; i < 3; i++ {
		w := postPayout(r, `{"user_id":"user_001","amount":"1.00"}`)
		require.Equal(t, http.StatusAccepted, w.Code)
	}
	w := postPayout(r, `{"user_id":"user_001","amount":"1.00"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")
}

func TestRateLimitWindowResets(t *testing.T) {
	r, mr := newLimitedRouter(t, RateLimitConfig{
		Window: time.Minute, MaxRequests: 2,
		UserWindow: time.Minute, UserMax: 100,
	})

	postPayout(r, `{"user_id":"user_001","amount":"1.00"}`)
	postPayout(r, `{"user_id":"user_001","amount":"1.00"}`)
	w := postPayout(r, `{"user_id":"user_001","amount":"1.00"}`)
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	mr.FastForward(2 * time.Minute)
	w = postPayout(r, `{"user_id":"user_001","amount":"1.00"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestHealthPathsSkipLimiter(t *testing.T) {
	r, _ := newLimitedRouter(t, RateLimitConfig{
		Window: time.Minute, MaxRequests: 1,
		UserWindow: time.Minute, UserMax: 1,
	})

	for i := 0; i < 20; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		r.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRequestWithoutUserIDFallsBackToIP(t *testing.T) {
	r, _ := newLimitedRouter(t, RateLimitConfig{
		Window: time.Minute, MaxRequests: 100,
		UserWindow: time.Minute, UserMax: 2,
	})

	// Without a user_id the per-user bucket keys on the client IP.
	postPayout(r, `{}`)
	postPayout(r, `{}`)
	w := postPayout(r, `{}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
