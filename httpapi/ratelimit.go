package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/swiftpay/payout"
)

// RateLimitConfig carries both bucket definitions: the global per-IP window
// and the tighter per-user window keyed by the request body's user_id.
type RateLimitConfig struct {
	Window      time.Duration
	MaxRequests int
	UserWindow  time.Duration
	UserMax     int
}

// RateLimiter enforces fixed-window request budgets in redis so every gateway
// instance counts against the same buckets.
type RateLimiter struct {
	rdb *redis.Client
	cfg RateLimitConfig
	log *zap.Logger
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(rdb *redis.Client, cfg RateLimitConfig, log *zap.Logger) *RateLimiter {
	return &RateLimiter{rdb: rdb, cfg: cfg, log: log.Named("ratelimit")}
}

func isHealthPath(path string) bool {
	return strings.HasPrefix(path, "/api/health")
}

// hit increments the window counter for key and reports whether the budget is
// exceeded, along with the seconds remaining in the window.
func (rl *RateLimiter) hit(ctx context.Context, key string, window time.Duration, max int) (bool, int, error) {
	count, err := rl.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		if err := rl.rdb.PExpire(ctx, key, window).Err(); err != nil {
			return false, 0, err
		}
	}
	if count <= int64(max) {
		return false, 0, nil
	}
	ttl, err := rl.rdb.PTTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = window
	}
	retryAfter := int(ttl / time.Second)
	if retryAfter < 1 {
		retryAfter = 1
	}
	return true, retryAfter, nil
}

// Middleware applies both buckets. The cache being unreachable fails open:
// dropping rate limiting beats dropping payouts.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isHealthPath(c.Request.URL.Path) {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		ip := c.ClientIP()

		exceeded, retryAfter, err := rl.hit(ctx, "rl:"+ip, rl.cfg.Window, rl.cfg.MaxRequests)
		if err != nil {
			rl.log.Warn("rate limit check failed, allowing request", zap.Error(err))
			c.Next()
			return
		}
		if exceeded {
			tooManyRequests(c, payout.ErrCodeRateLimitExceeded, retryAfter)
			return
		}

		userKey := rl.userKey(c, ip)
		exceeded, retryAfter, err = rl.hit(ctx, "rl:user:"+userKey, rl.cfg.UserWindow, rl.cfg.UserMax)
		if err != nil {
			rl.log.Warn("user rate limit check failed, allowing request", zap.Error(err))
			c.Next()
			return
		}
		if exceeded {
			tooManyRequests(c, payout.ErrCodeUserRateLimit, retryAfter)
			return
		}
		c.Next()
	}
}

// userKey extracts user_id from a JSON body without consuming it, falling back
// to the client IP for bodyless requests.
func (rl *RateLimiter) userKey(c *gin.Context, ip string) string {
	if c.Request.Body == nil || c.Request.Method == http.MethodGet {
		return ip
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return ip
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	var probe struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.UserID == "" {
		return ip
	}
	return probe.UserID
}

func tooManyRequests(c *gin.Context, code string, retryAfter int) {
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"success":     false,
		"error":       "rate limit exceeded",
		"code":        code,
		"retry_after": retryAfter,
	})
}
