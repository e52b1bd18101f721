package ordergateway

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode is the gateway failure taxonomy shared with the classifier.
type ErrorCode string

const (
	CodeValidation           ErrorCode = "VALIDATION_ERROR"
	CodeItemUnavailable      ErrorCode = "ITEM_UNAVAILABLE"
	CodeEventUnavailable     ErrorCode = "EVENT_UNAVAILABLE"
	CodeQuotaExceeded        ErrorCode = "QUOTA_EXCEEDED"
	CodeNetwork              ErrorCode = "NETWORK_ERROR"
	CodeTimeout              ErrorCode = "TIMEOUT"
	CodeServer               ErrorCode = "SERVER_ERROR"
	CodeAuthentication       ErrorCode = "AUTHENTICATION_ERROR"
	CodeStorageInconsistency ErrorCode = "STORAGE_INCONSISTENCY"
	CodeUnknown              ErrorCode = "UNKNOWN_ERROR"
)

// Error is a normalized gateway failure.
type Error struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Underlying error
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("order gateway [%s]: %s: %v", e.Code, e.Message, e.Underlying)
	}
	return fmt.Sprintf("order gateway [%s]: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

func NewError(code ErrorCode, message string, underlying error) *Error {
	return &Error{Code: code, Message: message, Underlying: underlying}
}

// CodeOf extracts the gateway code from err. Deadline and cancellation errors
// count as network failures; anything else unrecognised is CodeUnknown.
func CodeOf(err error) ErrorCode {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeNetwork
	}
	return CodeUnknown
}

// isTransient reports whether a failure says something about gateway health
// and should count against the circuit breaker.
func isTransient(code ErrorCode) bool {
	return code == CodeNetwork || code == CodeTimeout || code == CodeServer
}
