// Package coreerrors defines the error taxonomy shared across the
// resource-control core: rate limiting, queueing, circuit breaking, retry,
// and endpoint execution all classify failures into this closed set of
// kinds so upstream callers can branch on cause rather than string content.
package coreerrors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind is a closed taxonomy of failure classes surfaced by the core.
type Kind string

const (
	KindTransport      Kind = "transport"
	KindTimeout        Kind = "timeout"
	KindRateLimit      Kind = "rate_limit"
	KindAuth           Kind = "auth"
	KindNotFound       Kind = "not_found"
	KindBadRequest     Kind = "bad_request"
	KindServer         Kind = "server"
	KindCircuitOpen    Kind = "circuit_open"
	KindBackpressure   Kind = "backpressure"
	KindInvalidState   Kind = "invalid_state"
	KindInvalidArgument Kind = "invalid_argument"
	KindCancelled      Kind = "cancelled"
)

// Error is the concrete error type produced by every core component.
// It carries a classification kind, a human message, and an optional
// provider-specific payload (e.g. a decoded error body) without ever
// carrying secret material.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	RetryAfterSeconds float64
	Payload    any
	Cause      error
}

func (e *Error) Error() string {
	if e == nil {
		return "core error"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// New constructs a classified Error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a classified Error that wraps an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Retryable reports whether errors of this kind are, by default, safe to
// retry. Callers building a RetryPolicy predicate typically start from this
// and then apply their own include/exclude sets.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransport, KindTimeout, KindRateLimit, KindServer:
		return true
	default:
		return false
	}
}

// IsTransient reports whether err — classified or not — looks safe to
// retry. Mirrors the transport-error heuristics a raw HTTP client surfaces
// in addition to any core-classified Error.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr.Kind.Retryable()
	}
	return false
}

// Is reports whether err is a core Error of the given kind.
func Is(err error, kind Kind) bool {
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr.Kind == kind
	}
	return false
}
