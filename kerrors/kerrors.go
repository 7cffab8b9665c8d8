// Package kerrors defines the typed error taxonomy shared across the
// kernel: every component classifies failures into one of the kinds below
// rather than returning bare errors, so retry and recovery logic never has
// to pattern-match on error strings.
package kerrors

import (
	"errors"
	"fmt"
)

// Kind identifies the class of failure a component reported. Kind values
// are not retryable/non-retryable on their own; see Retryable.
type Kind string

const (
	// InvalidInput marks a non-retryable caller error: empty or oversized
	// input, a malformed schema, or a bad identifier.
	InvalidInput Kind = "invalid_input"
	// Rejected marks a non-retryable enforcement decision: rate limit,
	// token ceiling, or an open circuit breaker said no.
	Rejected Kind = "rejected"
	// Transient marks a retryable failure: network, timeout, or
	// rate-limit classes that follow the backoff schedule.
	Transient Kind = "transient"
	// Permanent marks a non-retryable downstream failure: auth, or a 4xx
	// other than 429.
	Permanent Kind = "permanent"
	// Timeout marks an operation that was aborted by a deadline. Retryable
	// once per the classifier rules in the recovery manager.
	Timeout Kind = "timeout"
	// Corruption marks a checkpoint checksum mismatch. Retryable against
	// an older checkpoint or a full replay.
	Corruption Kind = "corruption"
	// SandboxViolation marks an attempted access outside a sandbox's
	// capability policy. Non-retryable, fatal for the guest call.
	SandboxViolation Kind = "sandbox_violation"
	// Internal marks a bug or unexpected condition. Logged, surfaced,
	// non-retryable.
	Internal Kind = "internal"
)

// Retryable reports whether the kind is, in isolation, eligible for retry.
// Transient, Timeout, and Corruption are retryable; everything else is not.
func (k Kind) Retryable() bool {
	switch k {
	case Transient, Timeout, Corruption:
		return true
	default:
		return false
	}
}

// Error is the concrete error type carried through the kernel. It wraps an
// underlying cause (optional) and tags it with a Kind so callers can branch
// on classification without parsing messages.
type Error struct {
	Kind    Kind
	Message string
	Reason  string // enforcement reason tag, e.g. "rate_limit", "circuit_open"
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether this error is eligible for retry.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// New constructs an *Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error that carries cause, classified as kind.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithReason attaches an enforcement reason tag (for the
// ENFORCEMENT_DROPS{reason} / ENFORCEMENT_ALLOWED{outcome} counters) and
// returns the receiver for chaining.
func (e *Error) WithReason(reason string) *Error {
	e.Reason = reason
	return e
}

// As reports whether err (or any error it wraps) is a *Error, and if so
// returns it. It is a thin convenience wrapper around errors.As.
func As(err error) (*Error, bool) {
	var ke *Error
	if errors.As(err, &ke) {
		return ke, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, and
// Internal otherwise — callers that don't control the error's origin
// should treat unclassified errors as Internal rather than silently
// retrying them.
func KindOf(err error) Kind {
	if ke, ok := As(err); ok {
		return ke.Kind
	}
	return Internal
}
