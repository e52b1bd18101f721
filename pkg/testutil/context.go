package testutil

import (
	"net/http"

	id "sangha/pkg/domain"
	"sangha/pkg/requestcontext"
)

// WithUserID marks the request as authenticated for userID, as the
// authentication stage would. Invalid IDs are silently ignored.
func WithUserID(req *http.Request, userID string) *http.Request {
	parsed, err := id.ParseUserID(userID)
	if err != nil {
		return req
	}
	return req.WithContext(requestcontext.WithUserID(req.Context(), parsed))
}
