package pipeline

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"sangha/internal/jwttoken"
	"sangha/internal/ratelimit"
	id "sangha/pkg/domain"
	"sangha/pkg/platform/clock"
	"sangha/pkg/requestcontext"
)

const (
	chromeUA    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	googlebotUA = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"
)

type seen struct {
	userID    id.UserID
	requestID string
	clientIP  string
	userAgent string
	device    string
	body      string
}

type PipelineSuite struct {
	suite.Suite
	tokens   *jwttoken.JWTService
	limiter  *ratelimit.SlidingWindow
	handler  http.Handler
	pipeline *Pipeline
	last     *seen
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.tokens = jwttoken.NewJWTService("pipeline-key", "sangha-test")
	s.limiter = ratelimit.NewSlidingWindow(2, time.Minute, clock.NewManual(time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)))
	s.last = nil

	s.pipeline = New(logger,
		RequestMeta(),
		Authentication(s.tokens, logger),
		RateLimit(s.limiter, logger),
	).Then(Validation(32))

	s.handler = s.pipeline.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		got := &seen{
			userID:    requestcontext.UserID(ctx),
			requestID: requestcontext.RequestID(ctx),
			clientIP:  requestcontext.ClientIP(ctx),
			userAgent: requestcontext.UserAgent(ctx),
			device:    requestcontext.Device(ctx),
		}
		if r.Body != nil {
			b, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "too large", http.StatusRequestEntityTooLarge)
				return
			}
			got.body = string(b)
		}
		s.last = got
		w.WriteHeader(http.StatusNoContent)
	}))
}

func (s *PipelineSuite) token(user id.UserID) string {
	tok, err := s.tokens.GenerateAccessToken(user, "", time.Hour)
	s.Require().NoError(err)
	return tok
}

func (s *PipelineSuite) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func (s *PipelineSuite) authed(method, body string, user id.UserID) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, "/registrations", reader)
	req.Header.Set("Authorization", "Bearer "+s.token(user))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func (s *PipelineSuite) errorCode(rr *httptest.ResponseRecorder) string {
	var body map[string]any
	s.Require().NoError(json.Unmarshal(rr.Body.Bytes(), &body))
	code, _ := body["error"].(string)
	return code
}

func (s *PipelineSuite) TestStageOrder() {
	s.Equal([]string{"request-meta", "authentication", "rate-limit", "validation"}, s.pipeline.Names())
}

func (s *PipelineSuite) TestRequestMeta() {
	s.Run("fills request context", func() {
		req := s.authed(http.MethodGet, "", "U1")
		req.Header.Set("User-Agent", chromeUA)
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

		rr := s.do(req)

		s.Equal(http.StatusNoContent, rr.Code)
		s.Require().NotNil(s.last)
		s.Equal(id.UserID("U1"), s.last.userID)
		s.Equal("203.0.113.7", s.last.clientIP)
		s.Equal(chromeUA, s.last.userAgent)
		s.Contains(s.last.device, "Chrome")
		_, err := ulid.Parse(s.last.requestID)
		s.NoError(err, "generated request ids are ULIDs")
		s.Equal(s.last.requestID, rr.Header().Get(HeaderRequestID))
	})

	s.Run("propagates caller request id", func() {
		req := s.authed(http.MethodGet, "", "U2")
		req.Header.Set(HeaderRequestID, "req-123")

		rr := s.do(req)

		s.Equal("req-123", rr.Header().Get(HeaderRequestID))
		s.Equal("req-123", s.last.requestID)
	})

	s.Run("request id is set even when a later stage rejects", func() {
		rr := s.do(httptest.NewRequest(http.MethodGet, "/registrations", nil))
		s.Equal(http.StatusUnauthorized, rr.Code)
		s.NotEmpty(rr.Header().Get(HeaderRequestID))
	})
}

func (s *PipelineSuite) TestAuthentication() {
	s.Run("missing header", func() {
		rr := s.do(httptest.NewRequest(http.MethodGet, "/registrations", nil))
		s.Equal(http.StatusUnauthorized, rr.Code)
		s.Equal("unauthorized", s.errorCode(rr))
		s.Nil(s.last)
	})

	s.Run("wrong scheme", func() {
		req := httptest.NewRequest(http.MethodGet, "/registrations", nil)
		req.Header.Set("Authorization", "Basic abc")
		rr := s.do(req)
		s.Equal(http.StatusUnauthorized, rr.Code)
	})

	s.Run("token signed with another key", func() {
		other := jwttoken.NewJWTService("other-key", "sangha-test")
		tok, err := other.GenerateAccessToken("U1", "", time.Hour)
		s.Require().NoError(err)
		req := httptest.NewRequest(http.MethodGet, "/registrations", nil)
		req.Header.Set("Authorization", "Bearer "+tok)

		rr := s.do(req)

		s.Equal(http.StatusUnauthorized, rr.Code)
		s.Nil(s.last)
	})
}

func (s *PipelineSuite) TestRateLimit() {
	for i := range 2 {
		rr := s.do(s.authed(http.MethodGet, "", "U-busy"))
		s.Require().Equal(http.StatusNoContent, rr.Code)
		s.Equal("2", rr.Header().Get("X-RateLimit-Limit"))
		s.Equal(strconv.Itoa(1-i), rr.Header().Get("X-RateLimit-Remaining"))
	}

	rr := s.do(s.authed(http.MethodGet, "", "U-busy"))
	s.Equal(http.StatusTooManyRequests, rr.Code)
	s.Equal("rate_limit_exceeded", s.errorCode(rr))
	s.Equal("60", rr.Header().Get("Retry-After"))

	rr = s.do(s.authed(http.MethodGet, "", "U-quiet"))
	s.Equal(http.StatusNoContent, rr.Code, "buckets are per user")
}

func (s *PipelineSuite) TestValidation() {
	s.Run("json body passes", func() {
		rr := s.do(s.authed(http.MethodPost, `{"a":1}`, "U-v1"))
		s.Equal(http.StatusNoContent, rr.Code)
		s.Equal(`{"a":1}`, s.last.body)
	})

	s.Run("non json content type", func() {
		req := s.authed(http.MethodPut, "a=1", "U-v2")
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rr := s.do(req)
		s.Equal(http.StatusUnsupportedMediaType, rr.Code)
	})

	s.Run("oversized body", func() {
		rr := s.do(s.authed(http.MethodPost, `{"text":"`+strings.Repeat("x", 64)+`"}`, "U-v3"))
		s.Equal(http.StatusRequestEntityTooLarge, rr.Code)
	})

	s.Run("bodiless delete is not checked", func() {
		rr := s.do(s.authed(http.MethodDelete, "", "U-v4"))
		s.Equal(http.StatusNoContent, rr.Code)
	})
}

func TestClientIPFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{name: "forwarded for", header: map[string]string{"X-Forwarded-For": " 198.51.100.2 "}, remote: "10.0.0.1:1234", want: "198.51.100.2"},
		{name: "real ip", header: map[string]string{"X-Real-IP": "198.51.100.3"}, remote: "10.0.0.1:1234", want: "198.51.100.3"},
		{name: "remote ipv4", remote: "192.0.2.1:5678", want: "192.0.2.1"},
		{name: "remote ipv6", remote: "[::1]:5678", want: "::1"},
		{name: "nothing", remote: "", want: "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIPFromRequest(req))
		})
	}
}

func TestDeviceSummary(t *testing.T) {
	assert.Equal(t, "", DeviceSummary(""))
	assert.Equal(t, "bot", DeviceSummary(googlebotUA))

	summary := DeviceSummary(chromeUA)
	require.True(t, strings.HasPrefix(summary, "Chrome/"), summary)
	assert.Contains(t, summary, "Windows")
}
