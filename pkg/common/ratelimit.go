package common

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket shared by concurrent callers. A
// non-positive rate disables limiting.
type RateLimiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
}

// NewRateLimiter allows rps events per second with bursts of up to burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(limit, burst)}
}

// Wait blocks until an event is allowed or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiter.Wait(ctx)
}
