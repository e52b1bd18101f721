// Package httputil centralizes JSON encoding and error translation so every
// handler produces the same envelopes.
package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	dErrors "sangha/pkg/domain-errors"
)

// maxBodyBytes bounds request bodies decoded by DecodeAndPrepare.
const maxBodyBytes = 64 << 10

// ErrorResponse is the JSON envelope for every non-2xx response.
type ErrorResponse struct {
	Error           string   `json:"error"`
	Message         string   `json:"message,omitempty"`
	Reason          string   `json:"reason,omitempty"`
	GatewayCode     string   `json:"gatewayCode,omitempty"`
	Retryable       *bool    `json:"retryable,omitempty"`
	RetryAfter      int      `json:"retryAfter,omitempty"`
	Suggestions     []string `json:"suggestions,omitempty"`
	Troubleshooting []string `json:"troubleshooting,omitempty"`
	RetryEndpoint   string   `json:"retryEndpoint,omitempty"`
	ExternalOrderID string   `json:"externalOrderId,omitempty"`
}

// Validatable is implemented by request bodies decoded by DecodeAndPrepare.
type Validatable interface {
	Validate() error
}

// Normalizer is optionally implemented to trim or canonicalize input before
// validation.
type Normalizer interface {
	Normalize()
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError translates err into a status and envelope.
func WriteError(w http.ResponseWriter, err error) {
	WriteErrorWith(w, err, nil)
}

// WriteErrorWith is WriteError with a hook to decorate the envelope, used by
// handlers that add endpoint-specific pointers such as a retry endpoint.
func WriteErrorWith(w http.ResponseWriter, err error, decorate func(*ErrorResponse)) {
	status, resp := BuildError(err)
	if decorate != nil {
		decorate(resp)
	}
	if resp.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfter))
	}
	WriteJSON(w, status, resp)
}

// BuildError maps err to a status code and envelope. Internal failures never
// leak their message.
func BuildError(err error) (int, *ErrorResponse) {
	de, ok := dErrors.As(err)
	if !ok {
		return http.StatusInternalServerError, &ErrorResponse{Error: string(dErrors.CodeInternal)}
	}

	status := StatusFor(de.Code)
	resp := &ErrorResponse{Error: string(de.Code), Message: de.Message}
	if d := de.Details; d != nil {
		if d.HTTPStatus != 0 {
			status = d.HTTPStatus
		}
		resp.Reason = d.Reason
		resp.GatewayCode = d.GatewayCode
		resp.RetryAfter = d.RetryAfter
		resp.Suggestions = d.Suggestions
		resp.Troubleshooting = d.Troubleshooting
		resp.ExternalOrderID = d.ExternalOrderID
		if de.Code == dErrors.CodeGateway || de.Code == dErrors.CodeStorageInconsistency {
			retryable := d.Retryable
			resp.Retryable = &retryable
		}
	}
	if de.Code == dErrors.CodeInternal {
		resp.Message = ""
	}
	return status, resp
}

// StatusFor maps a domain code to its default HTTP status.
func StatusFor(code dErrors.Code) int {
	switch code {
	case dErrors.CodeBadRequest, dErrors.CodeValidation, dErrors.CodeInvalidInput,
		dErrors.CodeAlreadyCancelled, dErrors.CodeNoChanges, dErrors.CodeIneligible,
		dErrors.CodeImmutableField:
		return http.StatusBadRequest
	case dErrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case dErrors.CodeForbidden:
		return http.StatusForbidden
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeConflict, dErrors.CodeAlreadyRegistered:
		return http.StatusConflict
	case dErrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case dErrors.CodeTimeout, dErrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	case dErrors.CodeGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// DecodeAndPrepare decodes the JSON body into T, normalizes and validates it.
// On failure the error response is already written and ok is false.
func DecodeAndPrepare[T any](w http.ResponseWriter, r *http.Request, logger *slog.Logger, ctx context.Context, requestID string) (*T, bool) {
	req := new(T)
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		logger.WarnContext(ctx, "failed to decode request body",
			"request_id", requestID,
			"error", err,
		)
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteError(w, dErrors.New(dErrors.CodeBadRequest, "request body too large"))
			return nil, false
		}
		WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid JSON body"))
		return nil, false
	}

	if n, ok := any(req).(Normalizer); ok {
		n.Normalize()
	}
	if v, ok := any(req).(Validatable); ok {
		if err := v.Validate(); err != nil {
			logger.WarnContext(ctx, "request validation failed",
				"request_id", requestID,
				"error", err,
			)
			WriteError(w, err)
			return nil, false
		}
	}
	return req, true
}
