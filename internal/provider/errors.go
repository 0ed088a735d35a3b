package provider

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies adapter errors so callers can decide between retrying,
// failing a batch, or suspending a connection.
type Kind string

// Error kinds
const (
	KindAuth          Kind = "auth"          // bad or expired credential; suspends the connection
	KindRateLimited   Kind = "rate_limited"  // retryable after the hint
	KindNotFound      Kind = "not_found"     // entity/installation/user missing; fatal for the operation
	KindConflict      Kind = "conflict"      // concurrent external mutation detected on push
	KindValidation    Kind = "validation"    // malformed external entity; fails only its batch
	KindConfiguration Kind = "configuration" // ambiguous or missing mapping; blocks job progression
	KindTransient     Kind = "transient"     // network failure or timeout; retryable
)

// Error is the typed error all adapters return. Retryable is derived from
// the kind, never set independently.
type Error struct {
	Kind       Kind
	Op         string
	Message    string
	RetryAfter time.Duration // set for rate-limit errors when the provider reports one
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the operation may be retried as-is
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

// NewError constructs a typed adapter error
func NewError(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf extracts the kind from any error in the chain. Unclassified
// errors are treated as transient so a plain network error stays
// retryable.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// IsRetryable reports whether any error in the chain is retryable
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	// Unclassified errors come from the network path
	return true
}
