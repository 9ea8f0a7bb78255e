package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// requestWindow tracks requests from an IP in the current window
type requestWindow struct {
	Count   int
	FirstAt time.Time
}

// RateLimiter allows maxRequests per IP in each fixed window
type RateLimiter struct {
	mu           sync.Mutex
	windows      map[string]*requestWindow
	maxRequests  int
	windowPeriod time.Duration
	now          func() time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(maxRequests int, windowPeriod time.Duration) *RateLimiter {
	return &RateLimiter{
		windows:      make(map[string]*requestWindow),
		maxRequests:  maxRequests,
		windowPeriod: windowPeriod,
		now:          time.Now,
	}
}

// Allow records a request from ip. It reports whether the request may
// proceed, how many requests remain, and how long until the window resets.
func (rl *RateLimiter) Allow(ip string) (bool, int, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, exists := rl.windows[ip]
	if !exists || now.Sub(w.FirstAt) >= rl.windowPeriod {
		w = &requestWindow{FirstAt: now}
		rl.windows[ip] = w
	}

	reset := rl.windowPeriod - now.Sub(w.FirstAt)
	if w.Count >= rl.maxRequests {
		return false, 0, reset
	}
	w.Count++
	return true, rl.maxRequests - w.Count, reset
}

// cleanup removes expired windows
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, w := range rl.windows {
		if now.Sub(w.FirstAt) >= rl.windowPeriod {
			delete(rl.windows, ip)
		}
	}
}

// RateLimitMiddleware rejects callers over maxPerMinute with 429.
// A non-positive limit disables the check.
func RateLimitMiddleware(maxPerMinute int) gin.HandlerFunc {
	if maxPerMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	rl := NewRateLimiter(maxPerMinute, time.Minute)
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			rl.cleanup()
		}
	}()
	return rl.Middleware()
}

// Middleware applies the limiter to every request keyed by client IP
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, remaining, reset := rl.Allow(c.ClientIP())

		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		if !allowed {
			retryAfter := int(reset.Seconds()) + 1
			c.Header("Retry-After", fmt.Sprintf("%d", retryAfter))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests. Please try again later.",
				"retry_after": retryAfter,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
