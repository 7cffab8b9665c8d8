// Package enforcement implements the Enforcement Gateway (spec.md §4.5):
// a per-key admission layer combining a token ceiling check, a local-or-
// distributed token bucket rate limiter, and a circuit breaker, wrapped
// around a timeout. It is a direct port of the original request enforcer
// (agent-core/src/enforcement.rs) and its sibling circuit breaker state
// machine (the original reference implementation's embedded circuit breaker module).
package enforcement

import (
	"sync"
	"time"
)

// tokenBucket is a local, float-valued token bucket with continuous
// wall-clock refill. It backs rate_check when no distributed limiter is
// configured.
type tokenBucket struct {
	mu                sync.Mutex
	capacity          float64
	tokens            float64
	refillRatePerSec  float64
	lastRefill        time.Time
}

func newTokenBucket(rps float64) *tokenBucket {
	if rps < 1.0 {
		rps = 1.0
	}
	return &tokenBucket{
		capacity:         rps,
		tokens:           rps,
		refillRatePerSec: rps,
		lastRefill:       time.Now(),
	}
}

// tryTake attempts to deduct amount tokens, refilling first for the time
// elapsed since the last call. It reports whether enough tokens were
// available.
func (b *tokenBucket) tryTake(amount float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	add := elapsed * b.refillRatePerSec
	b.tokens = min(b.tokens+add, b.capacity)
	b.lastRefill = now

	if b.tokens >= amount {
		b.tokens -= amount
		return true
	}
	return false
}
