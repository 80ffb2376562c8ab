// ratelimit.go implements token-bucket rate limiting for the broker's REST API.
//
// XTS-style interactive APIs publish per-second caps on order placement,
// cancellation, and quote/book reads. This file provides a smooth
// token-bucket implementation that refills continuously (rather than in
// bursty windows) to avoid tripping hard limits — kept unchanged in shape
// from the teacher's Polymarket rate limiter, with conservative default
// capacities (see NewRateLimiter).
package broker

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
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
		}
	}
}

// RateLimiter groups token buckets by XTS endpoint category. Each operation
// must call the appropriate bucket's Wait() before making the HTTP request.
type RateLimiter struct {
	Order  *TokenBucket // order placement
	Cancel *TokenBucket // order cancellation
	Quote  *TokenBucket // LTP/quote reads
}

// NewRateLimiter creates rate limiters tuned to typical XTS interactive-API
// per-second caps (10 orders/sec, 10 cancels/sec, 10 quote reads/sec),
// burst-capped at one second's worth — conservative defaults since the spec
// leaves exact vendor limits unspecified (§4.1 treats the wire protocol as
// an injected capability).
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(10, 10),
		Cancel: NewTokenBucket(10, 10),
		Quote:  NewTokenBucket(10, 10),
	}
}
