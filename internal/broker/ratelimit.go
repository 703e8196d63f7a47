// ratelimit.go implements token-bucket rate limiting for the Dhan v2 API.
//
// Dhan enforces per-category request limits. The buckets refill continuously
// rather than in window-sized bursts so a burst of risk exits cannot trip the
// hard limit. Three buckets are maintained:
//   - Order: order placement, modification, cancellation
//   - Data:  historical charts and trade/position reads
//   - Quote: market-feed LTP lookups
package broker

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a rate limiter with continuous refill. Callers block in
// Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

// NewTokenBucket creates a bucket with the given burst capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by Dhan API endpoint category.
type RateLimiter struct {
	Order *TokenBucket // /orders
	Data  *TokenBucket // /charts, /positions, /trades, /fundlimit
	Quote *TokenBucket // /marketfeed
}

// NewRateLimiter creates buckets tuned below Dhan's published limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order: NewTokenBucket(20, 10),
		Data:  NewTokenBucket(10, 5),
		Quote: NewTokenBucket(5, 2),
	}
}
