package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimitPolicy string

const (
	// RateLimitReply answers with the rate-limited reply right away.
	RateLimitReply RateLimitPolicy = "reply"
	// RateLimitWait blocks for a token until the completion deadline.
	RateLimitWait RateLimitPolicy = "wait"
)

func (p RateLimitPolicy) Valid() bool {
	return p == RateLimitReply || p == RateLimitWait
}

// RateLimiter keeps one token bucket per bot, sized from the bot's requests
// per minute. A limit of zero or less disables limiting for that bot.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[int64]*botLimiter
}

type botLimiter struct {
	perMinute int
	limiter   *rate.Limiter
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{limiters: make(map[int64]*botLimiter)}
}

func (r *RateLimiter) get(botID int64, perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	bl, ok := r.limiters[botID]
	if !ok || bl.perMinute != perMinute {
		bl = &botLimiter{
			perMinute: perMinute,
			limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		}
		r.limiters[botID] = bl
	}
	return bl.limiter
}

func (r *RateLimiter) Allow(botID int64, perMinute int) bool {
	lim := r.get(botID, perMinute)
	return lim == nil || lim.Allow()
}

// Wait blocks until a token is available or ctx ends. It fails fast when the
// next token lies beyond the context deadline.
func (r *RateLimiter) Wait(ctx context.Context, botID int64, perMinute int) error {
	lim := r.get(botID, perMinute)
	if lim == nil {
		return nil
	}
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("processor: rate limit for bot %d: %w", botID, err)
	}
	return nil
}
