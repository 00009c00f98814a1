package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures across component boundaries. Kinds map to
// HTTP statuses at the server layer; internal layers only decide the kind.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindAuthentication    ErrorKind = "authentication"
	KindAuthorization     ErrorKind = "authorization"
	KindNotFound          ErrorKind = "not_found"
	KindConflict          ErrorKind = "conflict"
	KindUnprocessable     ErrorKind = "unprocessable"
	KindRateLimited       ErrorKind = "rate_limited"
	KindProviderTransient ErrorKind = "provider_transient"
	KindProviderAuth      ErrorKind = "provider_auth"
	KindProviderRateLimit ErrorKind = "provider_rate_limit"
	KindCostLimit         ErrorKind = "cost_limit"
	KindContentFiltered   ErrorKind = "content_filtered"
	KindKVUnavailable     ErrorKind = "kv_unavailable"
	KindTimeout           ErrorKind = "timeout"
	KindInternal          ErrorKind = "internal"
)

// Error carries a kind, a safe user-facing message, and an optional field
// reference for validation failures. The wrapped cause never reaches clients.
type Error struct {
	Kind    ErrorKind
	Message string
	Field   string
	// RetryAfter is a backend-provided minimum delay before retrying.
	// Zero means no hint was given.
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError creates an Error of the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError creates an Error of the given kind wrapping a cause.
func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// ValidationError creates a field-scoped validation error.
func ValidationError(field, message string) *Error {
	return &Error{Kind: KindValidation, Message: message, Field: field}
}

// RetryAfterOf extracts a backend retry-after hint from err, zero if none.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// KindOf extracts the ErrorKind from err, unwrapping as needed.
// Unclassified errors report KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether an error kind is safe to retry against the
// same backend. Authentication failures are never retried.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindProviderTransient, KindProviderRateLimit, KindTimeout:
		return true
	default:
		return false
	}
}

// Sentinel errors for common lookup paths.
var (
	ErrNotFound    = NewError(KindNotFound, "resource not found")
	ErrConflict    = NewError(KindConflict, "operation not allowed in current state")
	ErrCacheMiss   = errors.New("cache miss")
	ErrUnsupported = NewError(KindConflict, "unsupported_action")
)
