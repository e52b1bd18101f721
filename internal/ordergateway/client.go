package ordergateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sangha/internal/ordergateway/metrics"
	"sangha/pkg/platform/circuit"
)

const (
	defaultTimeout  = 8 * time.Second
	maxResponseBody = 1 << 20
)

// Client is the HTTP implementation of Gateway. Every call runs under its own
// timeout and passes through a circuit breaker that fails fast with
// NETWORK_ERROR while the gateway is unhealthy.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	timeout    time.Duration
	breaker    *circuit.Breaker
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(c *Client) {
		c.breaker = b
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Client) {
		if t != nil {
			c.tracer = t
		}
	}
}

func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
		timeout:    defaultTimeout,
		logger:     slog.Default(),
		tracer:     otel.Tracer("sangha/ordergateway"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	headers := map[string]string{}
	if req.IdempotencyKey != "" {
		headers["Idempotency-Key"] = req.IdempotencyKey
	}
	var order Order
	err := c.do(ctx, "create_order", http.MethodPost, c.orderPath(req.EventRef, ""), req, headers, &order,
		attribute.String("gateway.event_ref", req.EventRef))
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *Client) CancelOrder(ctx context.Context, eventRef, orderCode string) (*Order, error) {
	var order Order
	err := c.do(ctx, "cancel_order", http.MethodPost, c.orderPath(eventRef, orderCode)+"/cancel", nil, nil, &order,
		attribute.String("gateway.event_ref", eventRef), attribute.String("gateway.order_code", orderCode))
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *Client) GetOrderStatus(ctx context.Context, eventRef, orderCode string) (*Order, error) {
	var order Order
	err := c.do(ctx, "get_order", http.MethodGet, c.orderPath(eventRef, orderCode), nil, nil, &order,
		attribute.String("gateway.event_ref", eventRef), attribute.String("gateway.order_code", orderCode))
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *Client) orderPath(eventRef, orderCode string) string {
	p := c.baseURL + "/events/" + url.PathEscape(eventRef) + "/orders"
	if orderCode != "" {
		p += "/" + url.PathEscape(orderCode)
	}
	return p
}

func (c *Client) do(ctx context.Context, op, method, target string, body any, headers map[string]string, out any, attrs ...attribute.KeyValue) (err error) {
	ctx, span := c.tracer.Start(ctx, "ordergateway."+op, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
	start := time.Now()
	defer func() {
		c.metrics.ObserveCall(op, time.Since(start))
		if err != nil {
			code := CodeOf(err)
			c.metrics.IncrementError(op, string(code))
			span.RecordError(err)
			span.SetStatus(codes.Error, string(code))
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	if c.breaker != nil && !c.breaker.Allow() {
		return NewError(CodeNetwork, "order gateway circuit open", nil)
	}

	err = c.roundTrip(ctx, method, target, body, headers, out)
	c.record(CodeOf(err), err == nil)
	return err
}

func (c *Client) record(code ErrorCode, ok bool) {
	if c.breaker == nil {
		return
	}
	if ok || !isTransient(code) {
		if _, change := c.breaker.RecordSuccess(); change.Closed {
			c.logger.Info("order gateway circuit closed")
			c.metrics.SetCircuitOpen(false)
		}
		return
	}
	if _, change := c.breaker.RecordFailure(); change.Opened {
		c.logger.Warn("order gateway circuit opened", "code", string(code))
		c.metrics.SetCircuitOpen(true)
	}
}

func (c *Client) roundTrip(ctx context.Context, method, target string, body any, headers map[string]string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return NewError(CodeValidation, "encode request", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return NewError(CodeUnknown, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return NewError(CodeNetwork, "order gateway timed out", err)
		}
		return NewError(CodeNetwork, "order gateway unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return NewError(CodeNetwork, "read response", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return NewError(CodeServer, "decode response", err)
		}
		return nil
	}
	return statusError(resp.StatusCode, raw)
}

// errorBody is the gateway's failure envelope. errorCode wins over the HTTP
// status when present.
type errorBody struct {
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode"`
	Detail    string `json:"detail"`
}

func statusError(status int, raw []byte) *Error {
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)
	msg := eb.Error
	if msg == "" {
		msg = eb.Detail
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	code := ErrorCode(eb.ErrorCode)
	if code == "" {
		code = codeForStatus(status)
	}
	return &Error{Code: code, Message: msg, HTTPStatus: status}
}

func codeForStatus(status int) ErrorCode {
	switch {
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return CodeValidation
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return CodeAuthentication
	case status == http.StatusNotFound, status == http.StatusGone:
		return CodeEventUnavailable
	case status == http.StatusConflict:
		return CodeItemUnavailable
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return CodeTimeout
	case status >= 500:
		return CodeServer
	default:
		return ErrorCode(fmt.Sprintf("HTTP_%d", status))
	}
}
