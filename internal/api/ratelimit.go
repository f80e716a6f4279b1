package api

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Per-IP token bucket rate limiting
//
// Each client IP gets its own rate.Limiter refilled at perMinute/60 tokens
// per second with the configured burst. An exhausted bucket answers 429 with
// a Retry-After header (whole seconds). Buckets idle for idleTTL are dropped
// by the janitor so transient clients do not accumulate.

const limiterIdleTTL = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter holds one limiter per client IP
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
}

// NewRateLimiter allows perMinute requests per minute per IP. A
// non-positive perMinute disables limiting.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(float64(perMinute) / 60)
	}
	return &RateLimiter{
		limit:    limit,
		burst:    burst,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

func (rl *RateLimiter) reserve(ip string) time.Duration {
	now := rl.now()

	rl.mu.Lock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	rl.mu.Unlock()

	r := v.limiter.ReserveN(now, 1)
	if !r.OK() {
		return time.Duration(math.MaxInt64)
	}
	delay := r.DelayFrom(now)
	if delay > 0 {
		// Rejected requests must not consume a future token
		r.CancelAt(now)
	}
	return delay
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.limit == rate.Inf {
			c.Next()
			return
		}
		if wait := rl.reserve(c.ClientIP()); wait > 0 {
			seconds := int(math.Ceil(wait.Seconds()))
			c.Header("Retry-After", fmt.Sprint(seconds))
			abortWithError(c, newAPIError(http.StatusTooManyRequests, CodeRateLimited,
				fmt.Sprintf("rate limit exceeded, retry in %ds", seconds)))
			return
		}
		c.Next()
	}
}

// Cleanup drops visitors idle since before cutoff and returns how many.
func (rl *RateLimiter) Cleanup(cutoff time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	dropped := 0
	for ip, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, ip)
			dropped++
		}
	}
	return dropped
}

// StartJanitor runs Cleanup periodically until ctx is cancelled.
func (rl *RateLimiter) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(limiterIdleTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				rl.Cleanup(now.Add(-limiterIdleTTL))
			}
		}
	}()
}
