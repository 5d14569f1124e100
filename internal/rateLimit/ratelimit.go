package rateLimit

import (
	"context"
	"time"

	redisadapter "github.com/robertarktes/espazza-checkout/internal/adapters/redis"
	"github.com/robertarktes/espazza-checkout/internal/observability"
)

// Counter counts hits in a fixed window.
type Counter interface {
	CountWindow(ctx context.Context, key string, period time.Duration) (int64, error)
}

type RateLimiter struct {
	counter Counter
}

func NewRateLimiter(redis *redisadapter.Cache) *RateLimiter {
	return &RateLimiter{counter: redis}
}

func NewRateLimiterWith(counter Counter) *RateLimiter {
	return &RateLimiter{counter: counter}
}

// Allow reports whether key is still under rate hits in the current window.
// Counter errors are returned alongside true so callers can fail open.
func (rl *RateLimiter) Allow(ctx context.Context, key string, rate int, period time.Duration) (bool, error) {
	n, err := rl.counter.CountWindow(ctx, "rl:"+key, period)
	if err != nil {
		return true, err
	}
	if n > int64(rate) {
		observability.RateLimitExceeded.Inc()
		return false, nil
	}
	return true, nil
}
