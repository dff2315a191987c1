// Package errs defines the error taxonomy of the sync core and the retry
// policy applied to recoverable failures.
package errs

import (
	"errors"
	"fmt"
)

// ErrInsufficientCredits is returned by the credit guard before any network
// call when the cached balance cannot cover the send cost.
var ErrInsufficientCredits = errors.New("insufficient credits")

// PersistenceError wraps a failed read or write against the persistence
// gateway. Retryable on refresh paths; a failed user-message write instead
// marks the message failed in place.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persistence %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// AuthError means the session is invalid. Never retried automatically.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "auth: " + e.Reason }

// GenerationError wraps a failed or timed-out reply generation.
type GenerationError struct {
	ConversationID string
	Err            error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation for %s: %v", e.ConversationID, e.Err)
}
func (e *GenerationError) Unwrap() error { return e.Err }

// TransportError means the push channel dropped. Recovered by the polling
// fallback, not surfaced to callers.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("push transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryable classifies an error for the backoff loop. Auth failures and
// guard rejections short-circuit immediately.
func IsRetryable(err error) bool {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return false
	}
	if errors.Is(err, ErrInsufficientCredits) {
		return false
	}
	var pErr *PersistenceError
	var tErr *TransportError
	return errors.As(err, &pErr) || errors.As(err, &tErr)
}
