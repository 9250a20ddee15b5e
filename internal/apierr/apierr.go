// Package apierr defines the error codes returned to agents and admins and
// the JSON envelope they are rendered in.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	CodeMissingHeaders       Code = "AUTH_MISSING_HEADERS"
	CodeTimestampOutOfRange  Code = "AUTH_TIMESTAMP_OUT_OF_RANGE"
	CodeReplayDetected       Code = "AUTH_REPLAY_DETECTED"
	CodeInvalidSignature     Code = "AUTH_INVALID_SIGNATURE"
	CodeInvalidToken         Code = "AUTH_INVALID_TOKEN"
	CodeUnauthorized         Code = "UNAUTHORIZED"
	CodeRateLimited          Code = "RATE_LIMITED"
	CodeQuotaExceeded        Code = "QUOTA_EXCEEDED"
	CodeInvalidEnrollmentKey Code = "INVALID_ENROLLMENT_KEY"
	CodeExpiredEnrollmentKey Code = "EXPIRED_ENROLLMENT_KEY"
	CodeKeyUsageExceeded     Code = "KEY_USAGE_EXCEEDED"
	CodeNotFound             Code = "NOT_FOUND"
	CodeValidation           Code = "VALIDATION_ERROR"
	CodeInternal             Code = "INTERNAL_ERROR"
)

// Status returns the HTTP status code for c.
func (c Code) Status() int {
	switch c {
	case CodeMissingHeaders, CodeTimestampOutOfRange, CodeReplayDetected,
		CodeInvalidSignature, CodeInvalidToken, CodeUnauthorized,
		CodeInvalidEnrollmentKey, CodeExpiredEnrollmentKey, CodeKeyUsageExceeded:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeQuotaExceeded:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error is an error that is safe to show to a caller. The wrapped cause, if
// any, is only ever logged.
type Error struct {
	Code      Code
	Message   string
	Transient bool

	// Optional details for RATE_LIMITED and QUOTA_EXCEEDED.
	ResetAt *time.Time
	Current *int64
	Limit   *int64

	cause error
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error that keeps cause for server-side logging.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Internal wraps cause as a generic INTERNAL_ERROR.
func Internal(cause error) *Error {
	return Wrap(CodeInternal, "internal server error", cause)
}

// RateLimited returns a RATE_LIMITED error carrying the reset time.
func RateLimited(resetAt time.Time) *Error {
	e := New(CodeRateLimited, "rate limit exceeded, try again later")
	e.ResetAt = &resetAt
	return e
}

// QuotaExceeded returns a QUOTA_EXCEEDED error carrying usage figures.
func QuotaExceeded(current int64, limit *int64) *Error {
	e := New(CodeQuotaExceeded, "quota exceeded")
	e.Current = &current
	e.Limit = limit
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status code for the error.
func (e *Error) Status() int { return e.Code.Status() }

// From extracts an *Error from err. Any other error becomes INTERNAL_ERROR.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// HasCode reports whether err is an *Error with the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
