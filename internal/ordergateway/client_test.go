package ordergateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"sangha/pkg/platform/circuit"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClient_CreateOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/events/kathina26/orders", r.URL.Path)
		assert.Equal(t, "Token secret", r.Header.Get("Authorization"))
		assert.Equal(t, "retry-1", r.Header.Get("Idempotency-Key"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Ven. Anan", body["name"])
		assert.Equal(t, float64(7), body["item"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"ABC12","status":"p","email":"a@example.org","datetime":"2026-10-01T09:00:00Z","total":"0.00"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", WithLogger(quietLogger()))
	order, err := c.CreateOrder(t.Context(), OrderRequest{
		EventRef: "kathina26", ItemID: 7, Name: "Ven. Anan", Reference: "u1", IdempotencyKey: "retry-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "ABC12", order.Code)
	assert.Equal(t, time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC), order.Datetime.UTC())
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   ErrorCode
	}{
		{"explicit code wins", http.StatusConflict, `{"error":"sold out","errorCode":"QUOTA_EXCEEDED"}`, CodeQuotaExceeded},
		{"conflict", http.StatusConflict, `{}`, CodeItemUnavailable},
		{"bad request", http.StatusBadRequest, `{"detail":"name missing"}`, CodeValidation},
		{"unauthorized", http.StatusUnauthorized, ``, CodeAuthentication},
		{"unknown event", http.StatusNotFound, ``, CodeEventUnavailable},
		{"upstream 500", http.StatusInternalServerError, `oops`, CodeServer},
		{"gateway timeout", http.StatusGatewayTimeout, ``, CodeTimeout},
		{"teapot", http.StatusTeapot, ``, "HTTP_418"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, "", WithLogger(quietLogger())).CreateOrder(t.Context(), OrderRequest{EventRef: "e"})
			require.Error(t, err)
			assert.Equal(t, tt.want, CodeOf(err))
		})
	}
}

func TestClient_TimeoutIsNetworkError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(srv.URL, "", WithTimeout(20*time.Millisecond), WithLogger(quietLogger()))
	_, err := c.GetOrderStatus(t.Context(), "e", "ABC")
	require.Error(t, err)
	assert.Equal(t, CodeNetwork, CodeOf(err))
}

func TestClient_BreakerFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	breaker := circuit.New("order-gateway", circuit.WithFailureThreshold(2))
	c := NewClient(srv.URL, "", WithBreaker(breaker), WithLogger(quietLogger()))

	for i := 0; i < 2; i++ {
		_, err := c.CancelOrder(t.Context(), "e", "ABC")
		assert.Equal(t, CodeServer, CodeOf(err))
	}
	assert.True(t, breaker.IsOpen())

	_, err := c.CancelOrder(t.Context(), "e", "ABC")
	assert.Equal(t, CodeNetwork, CodeOf(err))
	assert.Equal(t, int32(2), calls.Load(), "open breaker must not reach the gateway")
}

func TestClient_BusinessErrorsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	breaker := circuit.New("order-gateway", circuit.WithFailureThreshold(1))
	c := NewClient(srv.URL, "", WithBreaker(breaker), WithLogger(quietLogger()))
	_, err := c.CreateOrder(t.Context(), OrderRequest{EventRef: "e"})
	assert.Equal(t, CodeItemUnavailable, CodeOf(err))
	assert.False(t, breaker.IsOpen())
}

func TestClient_RecordsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"code":"ABC12","status":"c"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", WithLogger(quietLogger()), WithHTTPClient(srv.Client()), WithTracer(provider.Tracer("test")))
	_, err := c.CancelOrder(t.Context(), "kathina26", "ABC12")
	require.NoError(t, err)
	_, err = c.GetOrderStatus(t.Context(), "kathina26", "ABC12")
	require.Error(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "ordergateway.cancel_order", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
	assert.Equal(t, "ordergateway.get_order", spans[1].Name)
	assert.Equal(t, codes.Error, spans[1].Status.Code)
	assert.Equal(t, string(CodeServer), spans[1].Status.Description)
}
