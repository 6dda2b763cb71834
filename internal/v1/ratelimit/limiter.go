// Package ratelimit enforces request and connection rate limits, backed by
// Redis when available and local memory otherwise.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/config"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/logging"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// ErrUserLimitExceeded is returned when a user opens connections too fast.
var ErrUserLimitExceeded = fmt.Errorf("rate limit exceeded for user")

// RateLimiter holds the limiter instances: one for the REST API, two for
// websocket connection attempts (per IP and per authenticated user).
type RateLimiter struct {
	apiGlobal *limiter.Limiter
	wsIP      *limiter.Limiter
	wsUser    *limiter.Limiter
	store     limiter.Store
}

// NewRateLimiter builds the limiters from config. A nil Redis client falls
// back to an in-memory store, which is fine for single-instance deployments.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	apiGlobalRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIGlobal)
	if err != nil {
		return nil, fmt.Errorf("invalid API global rate: %w", err)
	}

	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	wsUserRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsUser)
	if err != nil {
		return nil, fmt.Errorf("invalid WS User rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "Rate limiter using memory store (Redis disabled or unavailable)")
	}

	return &RateLimiter{
		apiGlobal: limiter.New(store, apiGlobalRate),
		wsIP:      limiter.New(store, wsIPRate),
		wsUser:    limiter.New(store, wsUserRate),
		store:     store,
	}, nil
}

// GlobalMiddleware enforces the API-wide limit, keyed by client IP. The
// limiter fails open when the store is unreachable.
func (rl *RateLimiter) GlobalMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		lctx, err := rl.apiGlobal.Get(ctx, c.ClientIP())
		if err != nil {
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), "ip").Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// CheckWebSocket enforces the per-IP connection-attempt limit. Returns false
// after writing the error response.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	lctx, err := rl.wsIP.Get(ctx, c.ClientIP())
	if err != nil {
		logging.Error(ctx, "WS rate limiter store failed (IP)", zap.Error(err))
		return true // fail open
	}

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(lctx.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}

	return true
}

// CheckWebSocketUser enforces the per-user connection-attempt limit. Called
// after authentication, once the user id is known.
func (rl *RateLimiter) CheckWebSocketUser(ctx context.Context, userID string) error {
	lctx, err := rl.wsUser.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "WS rate limiter store failed (user)", zap.Error(err))
		return nil // fail open
	}

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "user").Inc()
		return ErrUserLimitExceeded
	}

	return nil
}
