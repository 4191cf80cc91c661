package broadcast

import (
	"sync"
	"time"
)

// tokenBucket is a continuous-refill token bucket approximating "R events
// per rolling second" (spec.md §4.6, §3.2). The bucket starts full so a
// client can burst up to R immediately, matching S5 ("Broadcast 15
// matching events in 100 ms. c receives exactly 10").
type tokenBucket struct {
	mu           sync.Mutex
	tokens       float64
	max          float64
	refillPerSec float64
	last         time.Time
}

func newTokenBucket(ratePerSec int) *tokenBucket {
	rate := float64(ratePerSec)
	if rate <= 0 {
		rate = 1
	}
	return &tokenBucket{tokens: rate, max: rate, refillPerSec: rate, last: time.Now()}
}

// Allow consumes one token if available, returning false if the budget is
// exhausted (spec.md §3.2's rate invariant).
func (b *tokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.last).Seconds()
	b.last = now

	b.tokens += elapsed * b.refillPerSec
	if b.tokens > b.max {
		b.tokens = b.max
	}

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}
