// Package ratelimit applies per-route request limits using
// github.com/ulule/limiter/v3, backed by Redis when available and falling
// back to an in-memory store otherwise.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/chatfanout/platform/internal/v1/config"
	"github.com/chatfanout/platform/internal/v1/logging"
	"github.com/chatfanout/platform/internal/v1/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// RateLimiter holds the limiter instances for the three rate-limited
// surfaces named in the spec: the Logic ingress, the auth endpoints, and
// WebSocket connection attempts.
type RateLimiter struct {
	apiGlobal *limiter.Limiter
	apiAuth   *limiter.Limiter
	wsIP      *limiter.Limiter
	store     limiter.Store
}

// NewRateLimiter builds a RateLimiter from config-provided rate
// expressions (e.g. "1000-M" = 1000 per minute). redisClient may be nil,
// in which case an in-memory store is used.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	apiGlobalRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIGlobal)
	if err != nil {
		return nil, fmt.Errorf("invalid API global rate: %w", err)
	}
	apiAuthRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIAuth)
	if err != nil {
		return nil, fmt.Errorf("invalid API auth rate: %w", err)
	}
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "limiter:v1:"})
		if err != nil {
			return nil, fmt.Errorf("create redis limiter store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (redis unavailable)")
	}

	return &RateLimiter{
		apiGlobal: limiter.New(store, apiGlobalRate),
		apiAuth:   limiter.New(store, apiAuthRate),
		wsIP:      limiter.New(store, wsIPRate),
		store:     store,
	}, nil
}

// Middleware returns a gin middleware enforcing limiterInstance keyed by
// client IP, labeling metrics and response headers with endpoint.
func (rl *RateLimiter) middleware(limiterInstance *limiter.Limiter, endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := c.ClientIP()

		lctx, err := limiterInstance.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "rate limiter store failed, failing open", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(endpoint).Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"id":      "BAD_REQUEST",
				"message": "too many requests",
			})
			return
		}

		c.Next()
	}
}

// GlobalMiddleware rate-limits the Logic HTTP ingress (POST /logic/send).
func (rl *RateLimiter) GlobalMiddleware() gin.HandlerFunc {
	return rl.middleware(rl.apiGlobal, "logic_send")
}

// AuthMiddleware rate-limits /api/create-account and /api/login.
func (rl *RateLimiter) AuthMiddleware() gin.HandlerFunc {
	return rl.middleware(rl.apiAuth, "auth")
}

// CheckWebSocket enforces the per-IP WebSocket connect limit, writing a
// 429 response and returning false when exceeded.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	lctx, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed, failing open", zap.Error(err))
		return true
	}

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect").Inc()
		c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"id": "BAD_REQUEST", "message": "too many connection attempts"})
		return false
	}
	return true
}
