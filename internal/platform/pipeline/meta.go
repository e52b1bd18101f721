package pipeline

import (
	"net/http"
	"strings"

	"github.com/mssola/useragent"
	"github.com/oklog/ulid/v2"

	"sangha/pkg/requestcontext"
)

// HeaderRequestID carries the request id in both directions.
const HeaderRequestID = "X-Request-ID"

const maxRequestIDLen = 128

// RequestMeta tags the request with an id (the caller's, or a fresh ULID),
// the client address, the raw User-Agent and a device summary.
func RequestMeta() Stage {
	return Stage{
		Name: "request-meta",
		Run: func(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
			requestID := strings.TrimSpace(r.Header.Get(HeaderRequestID))
			if requestID == "" || len(requestID) > maxRequestIDLen {
				requestID = ulid.Make().String()
			}
			w.Header().Set(HeaderRequestID, requestID)

			userAgent := r.Header.Get("User-Agent")
			ctx := requestcontext.WithRequestID(r.Context(), requestID)
			ctx = requestcontext.WithClientMetadata(ctx, ClientIPFromRequest(r), userAgent)
			ctx = requestcontext.WithDevice(ctx, DeviceSummary(userAgent))
			return r.WithContext(ctx), true
		},
	}
}

// ClientIPFromRequest prefers the first X-Forwarded-For hop, then X-Real-IP,
// then the connection address without its port.
func ClientIPFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if addr := r.RemoteAddr; addr != "" {
		if idx := strings.LastIndex(addr, ":"); idx != -1 {
			return strings.Trim(addr[:idx], "[]")
		}
		return addr
	}
	return "unknown"
}

// DeviceSummary reduces a User-Agent to "browser/os", prefixed with "mobile "
// or replaced by "bot" where that applies. Empty input yields "".
func DeviceSummary(userAgent string) string {
	if strings.TrimSpace(userAgent) == "" {
		return ""
	}
	ua := useragent.New(userAgent)
	if ua.Bot() {
		return "bot"
	}
	browser, _ := ua.Browser()
	os := ua.OS()
	if browser == "" {
		browser = "unknown"
	}
	if os == "" {
		os = "unknown"
	}
	summary := browser + "/" + os
	if ua.Mobile() {
		summary = "mobile " + summary
	}
	return summary
}
