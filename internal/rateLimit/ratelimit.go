package rateLimit

import (
	"context"
	"time"

	redisadapter "github.com/robertarktes/ticket-resale-settlement/internal/adapters/redis"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
)

// Counter counts hits per key inside a fixed window.
type Counter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

type RateLimiter struct {
	counter Counter
	log     observability.Logger
}

func NewRateLimiter(counter Counter, log observability.Logger) *RateLimiter {
	return &RateLimiter{counter: counter, log: log}
}

// Allow reports whether key may make another request in the current period.
// A counter failure lets the request through.
func (rl *RateLimiter) Allow(ctx context.Context, key string, rate int, period time.Duration) bool {
	if rate <= 0 {
		return true
	}
	n, err := rl.counter.IncrWindow(ctx, redisadapter.Key("rl", key), period)
	if err != nil {
		rl.log.WithError(err).WithField("key", key).Warn("rate limiter unavailable")
		return true
	}
	if n > int64(rate) {
		observability.RateLimitExceeded.Inc()
		return false
	}
	return true
}
