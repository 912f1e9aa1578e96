package router

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cuongbtq/sc-remote/internal/api/dto"
	"github.com/cuongbtq/sc-remote/internal/api/handler"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter hands out one token bucket per authenticated user
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rateLimiterEntry

	rps      float64
	burst    int
	entryTTL time.Duration

	lastSweep time.Time
	now       func() time.Time
}

type rateLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewRateLimiter creates a per-user rate limiter. Entries idle for longer
// than ttl are forgotten.
func NewRateLimiter(rps float64, burst int, ttl time.Duration) *RateLimiter {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RateLimiter{
		limiters: make(map[string]*rateLimiterEntry),
		rps:      rps,
		burst:    burst,
		entryTTL: ttl,
		now:      time.Now,
	}
}

// Reserve takes a token for username. When none is available it returns
// false and how long the caller should wait.
func (rl *RateLimiter) Reserve(username string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweep(now)

	entry, ok := rl.limiters[username]
	if !ok {
		entry = &rateLimiterEntry{limiter: rate.NewLimiter(rate.Limit(rl.rps), rl.burst)}
		rl.limiters[username] = entry
	}
	entry.lastAccess = now

	r := entry.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, rl.entryTTL
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// sweep drops idle entries at most once per ttl
func (rl *RateLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < rl.entryTTL {
		return
	}
	rl.lastSweep = now

	cutoff := now.Add(-rl.entryTTL)
	for user, entry := range rl.limiters {
		if entry.lastAccess.Before(cutoff) {
			delete(rl.limiters, user)
		}
	}
}

// Count returns the number of tracked users
func (rl *RateLimiter) Count() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// RateLimitMiddleware rejects requests beyond the caller's budget with 429
func RateLimitMiddleware(rl *RateLimiter, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		username := handler.Username(c)
		ok, wait := rl.Reserve(username)
		if ok {
			c.Next()
			return
		}

		logger.Warn("Rate limit exceeded",
			slog.String("username", username),
			slog.Duration("retry_after", wait),
		)
		seconds := int(wait.Seconds()) + 1
		c.Header("Retry-After", strconv.Itoa(seconds))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, dto.ErrorResponse{Error: dto.ErrorBody{
			Code:    dto.CodeRateLimited,
			Message: fmt.Sprintf("too many requests, retry in %ds", seconds),
		}})
	}
}
