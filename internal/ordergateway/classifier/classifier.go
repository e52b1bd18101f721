// Package classifier maps order gateway failures to caller-facing decisions:
// HTTP status, whether a retry may help, and what to tell the user.
package classifier

import (
	"net/http"

	"sangha/internal/ordergateway"
	dErrors "sangha/pkg/domain-errors"
)

// Decision is the classification of one gateway error code.
type Decision struct {
	Code            ordergateway.ErrorCode
	HTTPStatus      int
	Retryable       bool
	RetryAfter      int
	Message         string
	Suggestions     []string
	Troubleshooting []string
}

var table = map[ordergateway.ErrorCode]Decision{
	ordergateway.CodeValidation: {
		HTTPStatus:  http.StatusBadRequest,
		Message:     "The registration details were rejected by the order system",
		Suggestions: []string{"Check the required fields and try again"},
	},
	ordergateway.CodeItemUnavailable: {
		HTTPStatus:  http.StatusConflict,
		Message:     "The selected option is no longer available",
		Suggestions: []string{"Select another option"},
	},
	ordergateway.CodeEventUnavailable: {
		HTTPStatus:  http.StatusConflict,
		Message:     "The event is not open for registration",
		Suggestions: []string{"Select another option", "Check the event schedule"},
	},
	ordergateway.CodeQuotaExceeded: {
		HTTPStatus:  http.StatusConflict,
		Message:     "Registration capacity has been reached",
		Suggestions: []string{"Select another option", "Contact the temple office to join the waiting list"},
	},
	ordergateway.CodeNetwork: {
		HTTPStatus:      http.StatusServiceUnavailable,
		Retryable:       true,
		RetryAfter:      30,
		Message:         "The order system could not be reached",
		Suggestions:     []string{"Try again in a moment"},
		Troubleshooting: []string{"Check your network connection"},
	},
	ordergateway.CodeTimeout: {
		HTTPStatus:      http.StatusServiceUnavailable,
		Retryable:       true,
		RetryAfter:      30,
		Message:         "The order system took too long to respond",
		Suggestions:     []string{"Try again in a moment"},
		Troubleshooting: []string{"Check your network connection"},
	},
	ordergateway.CodeServer: {
		HTTPStatus:      http.StatusBadGateway,
		Retryable:       true,
		RetryAfter:      60,
		Message:         "The order system reported an internal error",
		Suggestions:     []string{"Try again later"},
		Troubleshooting: []string{"If the problem persists, contact the temple office"},
	},
	ordergateway.CodeAuthentication: {
		HTTPStatus:      http.StatusInternalServerError,
		Message:         "The registration service is misconfigured",
		Suggestions:     []string{"Contact the temple office"},
		Troubleshooting: []string{"Order gateway credentials were rejected"},
	},
	ordergateway.CodeStorageInconsistency: {
		HTTPStatus:      http.StatusInternalServerError,
		Message:         "Your order was created but the registration could not be saved",
		Suggestions:     []string{"Do not submit again", "Contact the temple office with your order number"},
		Troubleshooting: []string{"Manual reconciliation required"},
	},
}

var unknown = Decision{
	HTTPStatus:      http.StatusInternalServerError,
	Retryable:       true,
	RetryAfter:      120,
	Message:         "An unexpected error occurred while creating the order",
	Suggestions:     []string{"Try again later"},
	Troubleshooting: []string{"If the problem persists, contact the temple office"},
}

// Classify looks up code. Unrecognised codes are treated as transient with a
// long backoff.
func Classify(code ordergateway.ErrorCode) Decision {
	d, ok := table[code]
	if !ok {
		d = unknown
	}
	d.Code = code
	d.Suggestions = append([]string(nil), d.Suggestions...)
	d.Troubleshooting = append([]string(nil), d.Troubleshooting...)
	return d
}

// ClassifyError classifies any error returned by a Gateway.
func ClassifyError(err error) Decision {
	return Classify(ordergateway.CodeOf(err))
}

// Details renders the decision as domain error details.
func (d Decision) Details() dErrors.Details {
	return dErrors.Details{
		HTTPStatus:      d.HTTPStatus,
		GatewayCode:     string(d.Code),
		Retryable:       d.Retryable,
		RetryAfter:      d.RetryAfter,
		Suggestions:     d.Suggestions,
		Troubleshooting: d.Troubleshooting,
	}
}

// DomainError wraps a gateway failure as a coded domain error carrying the
// classification.
func DomainError(err error) *dErrors.Error {
	d := ClassifyError(err)
	return dErrors.Wrap(err, dErrors.CodeGateway, d.Message).WithDetails(d.Details())
}

// StorageInconsistency reports a gateway order that could not be persisted
// locally. It is never retried automatically.
func StorageInconsistency(cause error, externalOrderID string) *dErrors.Error {
	d := Classify(ordergateway.CodeStorageInconsistency)
	details := d.Details()
	details.ExternalOrderID = externalOrderID
	return dErrors.Wrap(cause, dErrors.CodeStorageInconsistency, d.Message).WithDetails(details)
}
