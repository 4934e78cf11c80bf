// Package errdefs defines the error taxonomy shared across the control
// plane. Callers classify failures by kind rather than by concrete type;
// the REST layer maps kinds to HTTP status codes and the resilience fabric
// uses them to decide what is retryable.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindUnauthorized
	KindForbidden
	KindTransient
	KindCircuitOpen
	KindBulkheadFull
	KindTimeout
	KindDeadlineExceeded
	KindCancelled
	KindPoison
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindTransient:
		return "transient"
	case KindCircuitOpen:
		return "circuit_open"
	case KindBulkheadFull:
		return "bulkhead_full"
	case KindTimeout:
		return "timeout"
	case KindDeadlineExceeded:
		return "deadline_exceeded"
	case KindCancelled:
		return "cancelled"
	case KindPoison:
		return "poison"
	default:
		return "unknown"
	}
}

// Error carries a kind, a stable machine-readable code and a human detail.
type Error struct {
	Kind   Kind
	Code   string
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newError(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Validation reports an input that violates a precondition. Never retried.
func Validation(code, format string, args ...interface{}) error {
	return newError(KindValidation, code, format, args...)
}

// NotFound reports a missing referenced entity. Never retried.
func NotFound(code, format string, args ...interface{}) error {
	return newError(KindNotFound, code, format, args...)
}

// Conflict reports an optimistic-version mismatch or duplicate key.
func Conflict(code, format string, args ...interface{}) error {
	return newError(KindConflict, code, format, args...)
}

// Unauthorized reports a failed identity check.
func Unauthorized(code, format string, args ...interface{}) error {
	return newError(KindUnauthorized, code, format, args...)
}

// Forbidden reports a failed permission gate.
func Forbidden(code, format string, args ...interface{}) error {
	return newError(KindForbidden, code, format, args...)
}

// Transient reports a failure worth retrying: timeouts, I/O, broker
// unavailability.
func Transient(code, format string, args ...interface{}) error {
	return newError(KindTransient, code, format, args...)
}

// CircuitOpen reports a call rejected by an open circuit breaker.
func CircuitOpen(name string) error {
	return newError(KindCircuitOpen, "circuit_open", "circuit breaker %q is open", name)
}

// BulkheadFull reports a call rejected by a saturated bulkhead.
func BulkheadFull(name string) error {
	return newError(KindBulkheadFull, "bulkhead_full", "bulkhead %q is full", name)
}

// Timeout reports a per-attempt time limit expiry.
func Timeout(name string) error {
	return newError(KindTimeout, "timeout", "call %q timed out", name)
}

// DeadlineExceeded reports an expired ambient request deadline.
func DeadlineExceeded() error {
	return newError(KindDeadlineExceeded, "deadline_exceeded", "request deadline exceeded")
}

// Cancelled reports an explicitly cancelled operation.
func Cancelled() error {
	return newError(KindCancelled, "cancelled", "operation cancelled")
}

// Poison reports a record that always fails processing and belongs in the
// DLQ.
func Poison(format string, args ...interface{}) error {
	return newError(KindPoison, "poison", format, args...)
}

// Wrap attaches a cause to a taxonomy error built by one of the
// constructors above. Wrapping a plain error classifies it.
func Wrap(err error, kind Kind, code, detail string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Code: code, Detail: detail, cause: err}
}

// KindOf extracts the kind of err, unwrapping as needed.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the stable code of err, or "internal" for unclassified
// errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

func IsValidation(err error) bool       { return KindOf(err) == KindValidation }
func IsNotFound(err error) bool         { return KindOf(err) == KindNotFound }
func IsConflict(err error) bool         { return KindOf(err) == KindConflict }
func IsUnauthorized(err error) bool     { return KindOf(err) == KindUnauthorized }
func IsForbidden(err error) bool        { return KindOf(err) == KindForbidden }
func IsTransient(err error) bool        { return KindOf(err) == KindTransient }
func IsCircuitOpen(err error) bool      { return KindOf(err) == KindCircuitOpen }
func IsBulkheadFull(err error) bool     { return KindOf(err) == KindBulkheadFull }
func IsTimeout(err error) bool          { return KindOf(err) == KindTimeout }
func IsDeadlineExceeded(err error) bool { return KindOf(err) == KindDeadlineExceeded }
func IsCancelled(err error) bool        { return KindOf(err) == KindCancelled }
func IsPoison(err error) bool           { return KindOf(err) == KindPoison }

// Retryable reports whether the resilience fabric may retry the call that
// produced err. Only transient failures qualify; everything else is
// terminal.
func Retryable(err error) bool {
	return IsTransient(err)
}

// HTTPStatus maps the taxonomy to response codes per the propagation
// policy: validation 400, not found 404, conflict 409, auth 401/403,
// resilience rejections 503, everything else 500.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return 400
	case KindUnauthorized:
		return 401
	case KindForbidden:
		return 403
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindCircuitOpen, KindBulkheadFull, KindTimeout, KindDeadlineExceeded, KindTransient:
		return 503
	default:
		return 500
	}
}
