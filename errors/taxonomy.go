package errors

import (
	"fmt"
	"net/http"
	"time"
)

// AuthenticationError is returned when the API key is missing, unknown or revoked.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string { return e.Message }

// RateLimitError is returned when the caller exceeded its request budget.
// RetryAfter is surfaced to HTTP callers as the Retry-After header.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %ds", e.RetryAfterSeconds())
}

// RetryAfterSeconds rounds the retry hint up to whole seconds, never below 1.
func (e *RateLimitError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// ValidationError names the request field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// AdmissionError is a policy rejection (spending cap) with a human-readable reason.
type AdmissionError struct {
	Reason string
}

func (e *AdmissionError) Error() string { return e.Reason }

// UpstreamRPCError means every configured endpoint for a chain failed.
// Its message is persisted verbatim as the execution error.
type UpstreamRPCError struct {
	Chain string
	Cause error
}

func (e *UpstreamRPCError) Error() string { return e.Cause.Error() }
func (e *UpstreamRPCError) Unwrap() error { return e.Cause }

// PartialCallError describes a single multicall entry that failed inside a
// successful aggregate response.
type PartialCallError struct {
	Index  int
	Reason string
}

func (e *PartialCallError) Error() string {
	return fmt.Sprintf("call %d: %s", e.Index, e.Reason)
}

// SystemError is a failure of the process itself (configuration, datastore,
// unhandled panic). Workers exit 1 on it.
type SystemError struct {
	Cause error
}

func (e *SystemError) Error() string { return e.Cause.Error() }
func (e *SystemError) Unwrap() error { return e.Cause }

// ErrBusinessFailure marks an operation failure that has been durably recorded
// in the ledger. Workers exit 0 on it.
var ErrBusinessFailure = New("business failure recorded")

// NewAuthenticationError creates an AuthenticationError.
func NewAuthenticationError(msg string) error {
	return WithStack(&AuthenticationError{Message: msg})
}

// NewRateLimitError creates a RateLimitError with a retry hint.
func NewRateLimitError(retryAfter time.Duration) error {
	return WithStack(&RateLimitError{RetryAfter: retryAfter})
}

// NewValidationError creates a ValidationError for the named field.
func NewValidationError(field, format string, args ...interface{}) error {
	return WithStack(&ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// NewAdmissionError creates an AdmissionError with the given reason.
func NewAdmissionError(format string, args ...interface{}) error {
	return WithStack(&AdmissionError{Reason: fmt.Sprintf(format, args...)})
}

// NewSystemError wraps err as a SystemError.
func NewSystemError(err error) error {
	if err == nil {
		return nil
	}
	return &SystemError{Cause: err}
}

// MarkBusinessFailure tags err as a recorded business failure.
func MarkBusinessFailure(err error) error {
	if err == nil {
		err = ErrBusinessFailure
	}
	return Mark(err, ErrBusinessFailure)
}

// IsBusinessFailure reports whether err was marked with MarkBusinessFailure.
func IsBusinessFailure(err error) bool {
	return err != nil && Is(err, ErrBusinessFailure)
}

// HTTPStatus maps an error to the status code the execution API answers with.
func HTTPStatus(err error) int {
	var (
		authErr       *AuthenticationError
		rateErr       *RateLimitError
		validationErr *ValidationError
		admissionErr  *AdmissionError
		upstreamErr   *UpstreamRPCError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case As(err, &authErr), Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case As(err, &rateErr):
		return http.StatusTooManyRequests
	case As(err, &validationErr), Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case As(err, &admissionErr), Is(err, ErrForbidden):
		return http.StatusForbidden
	case Is(err, ErrNotFound):
		return http.StatusNotFound
	case Is(err, ErrNotImplemented):
		return http.StatusNotImplemented
	case As(err, &upstreamErr):
		return http.StatusBadGateway
	case Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FieldOf returns the offending field of a ValidationError, or "".
func FieldOf(err error) string {
	var v *ValidationError
	if As(err, &v) {
		return v.Field
	}
	return ""
}

// RetryAfterOf returns the retry hint in seconds of a RateLimitError, or 0.
func RetryAfterOf(err error) int {
	var r *RateLimitError
	if As(err, &r) {
		return r.RetryAfterSeconds()
	}
	return 0
}
