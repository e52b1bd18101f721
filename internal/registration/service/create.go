package service

import (
	"context"
	"errors"

	"sangha/internal/audit"
	"sangha/internal/events"
	"sangha/internal/ordergateway"
	"sangha/internal/ordergateway/classifier"
	"sangha/internal/registration/lock"
	"sangha/internal/registration/models"
	id "sangha/pkg/domain"
	dErrors "sangha/pkg/domain-errors"
	"sangha/pkg/platform/sentinel"
)

// SubmitOptions tunes one creation attempt.
type SubmitOptions struct {
	// IdempotencyKey is forwarded to the gateway. Attempts of one retry
	// sequence share it so a lost success is not turned into a second order.
	IdempotencyKey string
}

// CreateResult is a confirmed registration and its "created" ledger entry.
type CreateResult struct {
	Registration *models.Registration
	History      *models.HistoryRecord
	Event        *events.Event
}

// Create registers payload.UserID for payload.EventID exactly once.
func (s *Service) Create(ctx context.Context, payload models.Payload) (*CreateResult, error) {
	return s.Submit(ctx, payload, SubmitOptions{})
}

// Submit runs one creation attempt: duplicate check, gateway order, then
// persistence, all under the (user, event) lock. A gateway failure leaves
// nothing behind. A persistence failure after the gateway accepted the order
// is reported as a storage inconsistency carrying the external order id.
func (s *Service) Submit(ctx context.Context, payload models.Payload, opts SubmitOptions) (*CreateResult, error) {
	payload.Normalize()
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	event, err := s.events.Get(ctx, payload.EventID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeValidation, "unknown eventId")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load event")
	}

	release, err := s.locker.Lock(ctx, lock.Key(string(payload.UserID), string(payload.EventID)))
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.ensureNoActive(ctx, payload.UserID, payload.EventID); err != nil {
		return nil, err
	}

	regID := id.NewRegistrationID()
	key := opts.IdempotencyKey
	if key == "" {
		key = regID.String()
	}
	order, err := s.createOrder(ctx, event, payload, key)
	if err != nil {
		gwErr := classifier.DomainError(err)
		s.metrics.IncrementGatewayFailure(gwErr.Details.GatewayCode)
		s.logger.WarnContext(ctx, "order gateway rejected registration",
			"user_id", payload.UserID,
			"event_id", payload.EventID,
			"gateway_code", gwErr.Details.GatewayCode,
			"retryable", gwErr.Details.Retryable,
			"error", err,
		)
		return nil, gwErr
	}

	// The order exists now; finish persisting even if the caller went away.
	persistCtx := context.WithoutCancel(ctx)
	reg, err := models.NewRegistration(regID, payload, order.Code, s.clock.Now())
	if err != nil {
		return nil, classifier.DomainError(ordergateway.NewError(ordergateway.CodeServer, "gateway returned an order without a code", err))
	}
	rec, err := s.store.Create(persistCtx, reg, historyMeta(ctx, payload.UserID, ""))
	if err != nil {
		s.metrics.IncrementStorageInconsistency()
		s.logger.ErrorContext(ctx, "order created but registration not persisted",
			"user_id", payload.UserID,
			"event_id", payload.EventID,
			"external_order_id", order.Code,
			"error", err,
		)
		s.emit(persistCtx, audit.Event{
			Type:    audit.EventStorageInconsistency,
			UserID:  string(payload.UserID),
			EventID: string(payload.EventID),
			OrderID: order.Code,
		})
		return nil, classifier.StorageInconsistency(err, order.Code)
	}

	s.metrics.IncrementCreated()
	s.logger.InfoContext(ctx, "registration created",
		"registration_id", reg.ID.String(),
		"user_id", reg.UserID,
		"event_id", reg.EventID,
	)
	s.emit(persistCtx, audit.Event{
		Type:           audit.EventRegistrationCreated,
		UserID:         string(reg.UserID),
		RegistrationID: reg.ID.String(),
		EventID:        string(reg.EventID),
		OrderID:        reg.ExternalOrderID,
	})
	return &CreateResult{Registration: reg, History: rec, Event: event}, nil
}

// CheckDuplicate reports ALREADY_REGISTERED when an active registration
// exists. Callers that queue work use it to refuse early.
func (s *Service) CheckDuplicate(ctx context.Context, userID id.UserID, eventID id.EventID) error {
	return s.ensureNoActive(ctx, userID, eventID)
}

func (s *Service) ensureNoActive(ctx context.Context, userID id.UserID, eventID id.EventID) error {
	existing, err := s.store.FindActive(ctx, userID, eventID)
	switch {
	case err == nil:
		s.metrics.IncrementDuplicate()
		return dErrors.New(dErrors.CodeAlreadyRegistered, "an active registration already exists for this event").
			WithDetails(dErrors.Details{Reason: "registration " + existing.ID.String() + " is " + string(existing.Status)})
	case errors.Is(err, sentinel.ErrNotFound):
		return nil
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to check existing registrations")
	}
}

func (s *Service) createOrder(ctx context.Context, event *events.Event, payload models.Payload, key string) (*ordergateway.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()

	answers := map[string]string{"identityType": string(payload.IdentityType)}
	if payload.Transport != nil && payload.Transport.Required {
		answers["transportLocation"] = payload.Transport.LocationID
	}
	order, err := s.gateway.CreateOrder(ctx, ordergateway.OrderRequest{
		EventRef:       event.ExternalRef,
		ItemID:         event.ItemID,
		Name:           payload.PersonalInfo.Name,
		Phone:          payload.PersonalInfo.Phone,
		Reference:      string(payload.UserID),
		IdempotencyKey: key,
		Answers:        answers,
	})
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ordergateway.NewError(ordergateway.CodeServer, "empty order response", nil)
	}
	return order, nil
}
