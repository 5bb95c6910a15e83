package service

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a domain error for the caller. Every expected
// failure surfaces as one of these; only storage unavailability or an
// internal invariant violation propagates as a plain wrapped error.
type ErrorKind string

const (
	KindValidation             ErrorKind = "validation"
	KindPermissionDenied       ErrorKind = "permission_denied"
	KindNotFound               ErrorKind = "not_found"
	KindConflict               ErrorKind = "conflict"
	KindRateLimited            ErrorKind = "rate_limited"
	KindAccountFrozen          ErrorKind = "account_frozen"
	KindInsufficientPermission ErrorKind = "insufficient_permission"
	KindInsufficientFunds      ErrorKind = "insufficient_funds"
	KindInvalidState           ErrorKind = "invalid_state"
	KindResourceExhausted      ErrorKind = "resource_exhausted"
)

// Error is a typed domain error returned to callers
type Error struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration // set for rate-limited errors
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// KindOf extracts the error kind, or "" for non-domain errors
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsKind reports whether err is a domain error of the given kind
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// RetryAfter returns the retry hint of a rate-limited error, 0 otherwise
func RetryAfter(err error) time.Duration {
	var de *Error
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}

func validationError(format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func permissionDenied(format string, args ...interface{}) error {
	return &Error{Kind: KindPermissionDenied, Message: fmt.Sprintf(format, args...)}
}

// notFoundError is deliberately generic so callers cannot distinguish
// "doesn't exist" from "exists but hidden".
func notFoundError(entity string) error {
	return &Error{Kind: KindNotFound, Message: entity + " not found"}
}

func conflictError(format string, args ...interface{}) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// alreadyResolved is the Conflict surfaced to the loser of a
// resolution race on a pending entity.
func alreadyResolved(entity string) error {
	return &Error{Kind: KindConflict, Message: entity + " already resolved"}
}

func rateLimited(op string, retryAfter time.Duration) error {
	return &Error{
		Kind:       KindRateLimited,
		Message:    fmt.Sprintf("rate limit exceeded for %s", op),
		RetryAfter: retryAfter,
	}
}

func accountFrozen(reason string) error {
	msg := "account is frozen"
	if reason != "" {
		msg = fmt.Sprintf("account is frozen: %s", reason)
	}
	return &Error{Kind: KindAccountFrozen, Message: msg}
}

func insufficientPermission(format string, args ...interface{}) error {
	return &Error{Kind: KindInsufficientPermission, Message: fmt.Sprintf(format, args...)}
}

func insufficientFunds(format string, args ...interface{}) error {
	return &Error{Kind: KindInsufficientFunds, Message: fmt.Sprintf(format, args...)}
}

func invalidState(format string, args ...interface{}) error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

func resourceExhausted(format string, args ...interface{}) error {
	return &Error{Kind: KindResourceExhausted, Message: fmt.Sprintf(format, args...)}
}
