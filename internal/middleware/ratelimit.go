// Package middleware provides gin middleware for the famgraph API.
package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	// maxClients bounds the number of tracked client IPs.
	maxClients  = 100_000
	idleTimeout = 10 * time.Minute
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a token bucket per client IP.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
}

// NewRateLimiter allows ratePerSec sustained requests per IP with the given
// burst. Idle visitors are evicted until ctx is cancelled.
func NewRateLimiter(ctx context.Context, ratePerSec float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(ratePerSec),
		burst:    burst,
	}

	go rl.evictLoop(ctx)

	return rl
}

func (rl *RateLimiter) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rl.evict(now)
		}
	}
}

func (rl *RateLimiter) evict(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > idleTimeout {
			delete(rl.visitors, ip)
		}
	}
}

// reserve returns how long ip must wait for a token. ok is false when the
// visitor table is full.
func (rl *RateLimiter) reserve(ip string, now time.Time) (wait time.Duration, ok bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, found := rl.visitors[ip]
	if !found {
		if len(rl.visitors) >= maxClients {
			return 0, false
		}

		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}

	v.lastSeen = now

	if v.limiter.AllowN(now, 1) {
		return 0, true
	}

	r := v.limiter.ReserveN(now, 1)
	wait = r.DelayFrom(now)
	r.CancelAt(now)

	return wait, true
}

// Handler returns middleware that rejects over-limit requests with 429 and
// a Retry-After header.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		// ClientIP ignores forwarding headers because the router trusts no proxies.
		wait, ok := rl.reserve(c.ClientIP(), time.Now())

		switch {
		case !ok:
			respondError(c, http.StatusTooManyRequests, "rate_limited", "too many clients")
			return
		case wait > 0:
			respondRetryable(c, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", wait)
			return
		}

		c.Next()
	}
}
