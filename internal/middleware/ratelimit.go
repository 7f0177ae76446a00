// ratelimit.go provides Gin middleware that enforces per-client rate limits
// backed by Redis, returning 429 responses when the configured
// requests-per-minute threshold is exceeded.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"

	"github.com/napari-hub/hub-backend/internal/config"
)

// limitChecker is the subset of redis_rate.Limiter the middleware uses.
type limitChecker interface {
	Allow(ctx context.Context, key string, limit redis_rate.Limit) (*redis_rate.Result, error)
}

// RateLimiter enforces a per-client request limit using Redis as shared
// state, so limits hold across replicas.
type RateLimiter struct {
	limiter limitChecker
	limit   redis_rate.Limit
	logger  *slog.Logger
}

// NewRateLimiter builds a limiter from the security config, sharing the given
// Redis client with the cache and the discovery queue.
func NewRateLimiter(cfg config.RateLimitingConfig, client *redis.Client) *RateLimiter {
	perMinute := cfg.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = 200
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = perMinute
	}

	return &RateLimiter{
		limiter: redis_rate.NewLimiter(client),
		limit: redis_rate.Limit{
			Rate:   perMinute,
			Burst:  burst,
			Period: time.Minute,
		},
		logger: slog.Default().With("component", "ratelimit"),
	}
}

// RateLimitMiddleware returns Gin middleware enforcing the limiter per client
// IP. When Redis is unreachable the request is allowed through; the read API
// degrades open rather than failing closed on a cache outage.
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ratelimit:" + c.ClientIP()

		res, err := rl.limiter.Allow(c.Request.Context(), key, rl.limit)
		if err != nil {
			rl.logger.Warn("rate limit check failed, allowing request", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.limit.Rate))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))

		if res.Allowed == 0 {
			retryAfter := int(res.RetryAfter / time.Second)
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}
