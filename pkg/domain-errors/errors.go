// Package domainerrors defines the error vocabulary shared by services and the
// HTTP layer. Services return *Error values; transport code maps the Code to a
// status and envelope without knowing which service produced it.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code is a stable, client-facing error identifier.
type Code string

const (
	CodeBadRequest         Code = "bad_request"
	CodeValidation         Code = "validation_error"
	CodeInvalidInput       Code = "invalid_input"
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeAlreadyRegistered  Code = "ALREADY_REGISTERED"
	CodeAlreadyCancelled   Code = "ALREADY_CANCELLED"
	CodeNoChanges          Code = "NO_CHANGES"
	CodeIneligible         Code = "MODIFICATION_NOT_ALLOWED"
	CodeImmutableField     Code = "IMMUTABLE_FIELD"
	CodeRateLimited        Code = "rate_limit_exceeded"
	CodeInvariantViolation Code = "invariant_violation"
	CodeTimeout            Code = "timeout"
	CodeUnavailable        Code = "service_unavailable"
	CodeInternal           Code = "internal_error"

	// CodeGateway marks a failure reported by the external order gateway. The
	// gateway's own error code and the classification live in Details.
	CodeGateway Code = "gateway_error"
	// CodeStorageInconsistency means the gateway accepted an order that could
	// not be persisted locally. Details.ExternalOrderID identifies the order.
	CodeStorageInconsistency Code = "STORAGE_INCONSISTENCY"
)

// Details carries structured data that callers render without needing
// provider-specific knowledge.
type Details struct {
	HTTPStatus      int
	GatewayCode     string
	Retryable       bool
	RetryAfter      int // seconds, zero when not applicable
	Suggestions     []string
	Troubleshooting []string
	ExternalOrderID string
	Reason          string
}

// Error is the concrete domain error.
type Error struct {
	Code    Code
	Message string
	Details *Details
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New builds an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// WithDetails returns a copy of e carrying d.
func (e *Error) WithDetails(d Details) *Error {
	cp := *e
	cp.Details = &d
	return &cp
}

// As extracts a domain error from err's chain.
func As(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	for err != nil {
		var de *Error
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.cause
	}
	return false
}
