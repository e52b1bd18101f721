package pipeline

import (
	"log/slog"
	"net/http"
	"strings"

	id "sangha/pkg/domain"
	dErrors "sangha/pkg/domain-errors"
	"sangha/pkg/platform/httputil"
	"sangha/pkg/requestcontext"
)

// Authenticator resolves a bearer token to a user.
type Authenticator interface {
	Authenticate(token string) (id.UserID, error)
}

// Authentication requires a valid bearer token and stores its subject as the
// request's user.
func Authentication(auth Authenticator, logger *slog.Logger) Stage {
	return Stage{
		Name: "authentication",
		Run: func(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
			ctx := r.Context()
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing or invalid Authorization header"))
				return nil, false
			}

			userID, err := auth.Authenticate(strings.TrimSpace(token))
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid or expired token"))
				return nil, false
			}
			return r.WithContext(requestcontext.WithUserID(ctx, userID)), true
		},
	}
}
