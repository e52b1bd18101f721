// Package service orchestrates the registration lifecycle: creation against
// the external order gateway, bounded modification, cancellation and the
// history views built from the ledger.
package service

import (
	"context"
	"log/slog"
	"time"

	"sangha/internal/audit"
	"sangha/internal/events"
	"sangha/internal/ordergateway"
	"sangha/internal/registration/eligibility"
	"sangha/internal/registration/lock"
	"sangha/internal/registration/metrics"
	"sangha/internal/registration/models"
	id "sangha/pkg/domain"
	"sangha/pkg/platform/clock"
	"sangha/pkg/requestcontext"
)

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks Store,EventCatalog,OrderGateway,Locker,AuditPublisher

// Store persists registrations and their ledger.
type Store interface {
	Create(ctx context.Context, reg *models.Registration, meta models.HistoryMeta) (*models.HistoryRecord, error)
	GetByID(ctx context.Context, regID id.RegistrationID) (*models.Registration, error)
	FindActive(ctx context.Context, userID id.UserID, eventID id.EventID) (*models.Registration, error)
	GetByUser(ctx context.Context, userID id.UserID) ([]*models.Registration, error)
	Update(ctx context.Context, regID id.RegistrationID, patch models.Patch, meta models.HistoryMeta) (*models.Registration, *models.HistoryRecord, error)
	ListHistory(ctx context.Context, regID id.RegistrationID) ([]*models.HistoryRecord, error)
}

// EventCatalog resolves event instances.
type EventCatalog interface {
	Get(ctx context.Context, eventID id.EventID) (*events.Event, error)
}

// OrderGateway is the external order-management service.
type OrderGateway interface {
	CreateOrder(ctx context.Context, req ordergateway.OrderRequest) (*ordergateway.Order, error)
	CancelOrder(ctx context.Context, eventRef, orderCode string) (*ordergateway.Order, error)
	GetOrderStatus(ctx context.Context, eventRef, orderCode string) (*ordergateway.Order, error)
}

// Locker serializes work on one key across requests.
type Locker interface {
	Lock(ctx context.Context, key string) (lock.Release, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

const defaultGatewayTimeout = 8 * time.Second

// Service is the lifecycle orchestrator.
type Service struct {
	store          Store
	events         EventCatalog
	gateway        OrderGateway
	locker         Locker
	clock          clock.Clock
	policy         eligibility.Policy
	gatewayTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
	auditor        AuditPublisher
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithAuditPublisher(p AuditPublisher) Option {
	return func(s *Service) {
		s.auditor = p
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithPolicy(p eligibility.Policy) Option {
	return func(s *Service) {
		s.policy = p
	}
}

func WithLocker(l Locker) Option {
	return func(s *Service) {
		if l != nil {
			s.locker = l
		}
	}
}

// WithGatewayTimeout bounds each gateway call.
func WithGatewayTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.gatewayTimeout = d
		}
	}
}

func New(store Store, catalog EventCatalog, gateway OrderGateway, opts ...Option) *Service {
	s := &Service{
		store:          store,
		events:         catalog,
		gateway:        gateway,
		locker:         lock.NewSharded(),
		clock:          clock.System{},
		policy:         eligibility.DefaultPolicy(),
		gatewayTimeout: defaultGatewayTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy exposes the active eligibility policy for response shaping.
func (s *Service) Policy() eligibility.Policy {
	return s.policy
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	if s.auditor == nil {
		return
	}
	event.RequestID = requestcontext.RequestID(ctx)
	if event.Timestamp.IsZero() {
		event.Timestamp = s.clock.Now()
	}
	if err := s.auditor.Emit(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to emit audit event", "type", string(event.Type), "error", err)
	}
}

// historyMeta builds the ledger metadata from the request context.
func historyMeta(ctx context.Context, userID id.UserID, reason string) models.HistoryMeta {
	meta := map[string]string{}
	if v := requestcontext.RequestID(ctx); v != "" {
		meta["requestId"] = v
	}
	if v := requestcontext.ClientIP(ctx); v != "" {
		meta["clientIp"] = v
	}
	if v := requestcontext.Device(ctx); v != "" {
		meta["device"] = v
	}
	return models.HistoryMeta{UserID: userID, Reason: reason, Metadata: meta}
}

func changedFields(changes []models.Change) []string {
	fields := make([]string, len(changes))
	for i, c := range changes {
		fields[i] = c.Field
	}
	return fields
}
