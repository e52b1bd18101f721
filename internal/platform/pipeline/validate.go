package pipeline

import (
	"mime"
	"net/http"

	dErrors "sangha/pkg/domain-errors"
	"sangha/pkg/platform/httputil"
)

// Validation rejects POST and PUT bodies that are not JSON and caps every
// body at maxBytes.
func Validation(maxBytes int64) Stage {
	return Stage{
		Name: "validation",
		Run: func(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
			if r.Method == http.MethodPost || r.Method == http.MethodPut {
				if r.ContentLength != 0 {
					mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
					if err != nil || mediaType != "application/json" {
						httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "Content-Type must be application/json").
							WithDetails(dErrors.Details{HTTPStatus: http.StatusUnsupportedMediaType}))
						return nil, false
					}
				}
			}
			if r.Body != nil && maxBytes > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			return r, true
		},
	}
}
