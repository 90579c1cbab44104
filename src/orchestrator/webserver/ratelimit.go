package webserver

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiter admits at most rate requests per key within a sliding window.
// Stale keys are pruned on the request path, so there is no background
// goroutine to stop on shutdown.
type RateLimiter struct {
	mu      sync.Mutex
	rate    int
	window  time.Duration
	buckets map[string][]time.Time
	sweepAt time.Time
}

func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		rate:    rate,
		window:  window,
		buckets: make(map[string][]time.Time),
	}
}

// Allow records the request against the key unless the window is already
// full. At most one full map sweep runs per window.
func (rl *RateLimiter) Allow(key string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.After(rl.sweepAt) {
		rl.sweep(now)
		rl.sweepAt = now.Add(rl.window)
	}

	recent := rl.prune(rl.buckets[key], now)
	if len(recent) >= rl.rate {
		rl.buckets[key] = recent
		return false
	}
	rl.buckets[key] = append(recent, now)
	return true
}

func (rl *RateLimiter) prune(stamps []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-rl.window)
	kept := stamps[:0]
	for _, t := range stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func (rl *RateLimiter) sweep(now time.Time) {
	for key, stamps := range rl.buckets {
		if kept := rl.prune(stamps, now); len(kept) == 0 {
			delete(rl.buckets, key)
		} else {
			rl.buckets[key] = kept
		}
	}
}

// RateLimitMiddleware keys by the authenticated DID when present, falling
// back to the client IP for public routes.
func RateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetString("did")
		if key == "" {
			key = c.ClientIP()
		}
		if !limiter.Allow(key, time.Now()) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": fmt.Sprintf("rate limit exceeded: %d requests per %v", limiter.rate, limiter.window),
				"code":  "RATE_LIMITED",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
