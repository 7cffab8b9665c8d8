// Package recovery implements the Retry & Recovery Manager (spec.md
// §4.6): an error classifier, exponential backoff with a per-type base
// delay and a shared cap, circuit-breaker-protected retries, and
// workflow recovery from the last good checkpoint. It is grounded on the
// behavior exercised by the original's error-recovery integration test
// (the original reference implementation's error-recovery integration tests); no
// corresponding recovery.rs source file was included in the retrieval
// pack, so the test's observed contract is the specification here.
package recovery

import (
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrorType classifies a failure for retry purposes.
type ErrorType string

const (
	// ErrNetwork covers connection failures: base delay 1s.
	ErrNetwork ErrorType = "network"
	// ErrTimeout covers deadline/timeout failures: base delay 2s.
	ErrTimeout ErrorType = "timeout"
	// ErrRateLimit covers 429-class throttling: base delay 5s.
	ErrRateLimit ErrorType = "rate_limit"
	// ErrPermanent covers auth/4xx failures that retrying cannot fix.
	ErrPermanent ErrorType = "permanent"
)

// Classify inspects err's message for the substrings the original
// classifier keys on. Order matters: more specific markers are checked
// before generic ones.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrPermanent
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "too many requests") || strings.Contains(msg, "429"):
		return ErrRateLimit
	case strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout"):
		return ErrTimeout
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "dns") || strings.Contains(msg, "network"):
		return ErrNetwork
	default:
		return ErrPermanent
	}
}

// IsRetryable reports whether t is eligible for retry at all.
func (t ErrorType) IsRetryable() bool {
	return t != ErrPermanent
}

// baseDelay is the per-type starting delay before exponential growth.
func (t ErrorType) baseDelay() time.Duration {
	switch t {
	case ErrNetwork:
		return 1 * time.Second
	case ErrTimeout:
		return 2 * time.Second
	case ErrRateLimit:
		return 5 * time.Second
	default:
		return 0
	}
}

// RetryDelay computes the exponential backoff for the given zero-based
// attempt number, capped at maxDelay: min(maxDelay, base * 2^attempt), then
// jittered by cenkalti/backoff/v4's ExponentialBackOff so concurrent
// retriers don't all wake up on the same tick (the thundering-herd problem
// a bare exponential schedule leaves open).
func (t ErrorType) RetryDelay(attempt int, maxDelay time.Duration) time.Duration {
	base := t.baseDelay()
	if base == 0 {
		return 0
	}
	exp := base << attempt // base * 2^attempt
	if exp > maxDelay || exp < base {
		// exp < base catches overflow from an unreasonably large attempt.
		exp = maxDelay
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = exp
	b.MaxInterval = maxDelay
	b.RandomizationFactor = backoff.DefaultRandomizationFactor
	b.MaxElapsedTime = 0 // a single NextBackOff call per RetryDelay; no overall deadline applies
	b.Reset()

	delay := b.NextBackOff()
	if delay <= 0 || delay > maxDelay {
		return maxDelay
	}
	return delay
}
