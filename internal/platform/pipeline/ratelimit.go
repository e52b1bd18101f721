package pipeline

import (
	"log/slog"
	"net/http"
	"strconv"

	"sangha/internal/ratelimit"
	dErrors "sangha/pkg/domain-errors"
	"sangha/pkg/platform/httputil"
	"sangha/pkg/requestcontext"
)

// RateLimit charges the authenticated user's bucket. It must run after
// Authentication. A limiter failure lets the request through.
func RateLimit(limiter ratelimit.Limiter, logger *slog.Logger) Stage {
	return Stage{
		Name: "rate-limit",
		Run: func(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
			ctx := r.Context()
			userID := requestcontext.UserID(ctx)
			if userID == "" {
				return r, true
			}

			res, err := limiter.Allow(ctx, ratelimit.UserKey(userID.String()))
			if err != nil {
				logger.ErrorContext(ctx, "rate limiter unavailable, allowing request",
					"error", err,
					"request_id", requestcontext.RequestID(ctx),
				)
				return r, true
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
			if res.Allowed {
				return r, true
			}

			logger.WarnContext(ctx, "rate limit exceeded",
				"user_id", userID,
				"retry_after", res.RetryAfter,
				"request_id", requestcontext.RequestID(ctx),
			)
			httputil.WriteError(w, dErrors.New(dErrors.CodeRateLimited, "too many requests").
				WithDetails(dErrors.Details{RetryAfter: res.RetryAfter}))
			return nil, false
		},
	}
}
