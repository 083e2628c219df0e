// ratelimit.go implements per-caller rate limiting with token buckets from
// golang.org/x/time/rate.
//
// How token bucket works:
// - Each caller gets a bucket holding up to N tokens (N = requests per minute)
// - Each request consumes 1 token
// - Tokens refill at a steady rate of N per minute
// - If the bucket is empty, the request is rejected with 429 Too Many Requests
package middleware

import (
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
)

// idleBucketTTL is how long an unused bucket is kept.
const idleBucketTTL = time.Hour

// RateLimiter tracks request rates per caller.
type RateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	limit     rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perMinute requests per caller per minute.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   perMinute,
		now:     time.Now,
	}
}

// RateLimit returns Gin middleware keyed by the JWT subject, falling back
// to the client IP.
func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := Subject(c)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}

		allowed, remaining := rl.allow(key)
		c.Header("X-RateLimit-Limit", fmt.Sprint(rl.burst))
		c.Header("X-RateLimit-Remaining", fmt.Sprint(remaining))
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, models.ErrorResponse{
				Error:   "rate_limit_exceeded",
				Message: "Rate limit exceeded. Try again later.",
				Code:    http.StatusTooManyRequests,
			})
			return
		}
		c.Next()
	}
}

// allow consumes a token for key and reports the whole tokens left.
func (rl *RateLimiter) allow(key string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweep(now)

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now

	if !b.limiter.AllowN(now, 1) {
		return false, 0
	}
	return true, int(math.Max(0, math.Floor(b.limiter.TokensAt(now))))
}

// sweep drops idle buckets at most once per idleBucketTTL. Must be called
// with mu held.
func (rl *RateLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < idleBucketTTL {
		return
	}
	rl.lastSweep = now
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > idleBucketTTL {
			delete(rl.buckets, key)
		}
	}
}
