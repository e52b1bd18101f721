package service

import (
	"context"
	"errors"

	"sangha/internal/audit"
	"sangha/internal/events"
	"sangha/internal/registration/eligibility"
	"sangha/internal/registration/models"
	id "sangha/pkg/domain"
	dErrors "sangha/pkg/domain-errors"
	"sangha/pkg/platform/sentinel"
)

// ModificationInfo reports the modification budget after an operation.
type ModificationInfo struct {
	TotalModifications     int `json:"totalModifications"`
	RemainingModifications int `json:"remainingModifications"`
}

type ModifyResult struct {
	Registration     *models.Registration
	History          *models.HistoryRecord
	ModificationInfo ModificationInfo
}

type CancelResult struct {
	Registration *models.Registration
	History      *models.HistoryRecord
	Reason       string
	// OrderCancelled is false when the best-effort gateway cancellation failed.
	OrderCancelled bool
}

// Modify applies a user patch to personalInfo or transport.
func (s *Service) Modify(ctx context.Context, regID id.RegistrationID, requester id.UserID, patch models.Patch, reason string) (*ModifyResult, error) {
	if patch.Status != nil {
		return nil, dErrors.New(dErrors.CodeImmutableField, "status cannot be modified directly")
	}
	if patch.IsEmpty() {
		return nil, dErrors.New(dErrors.CodeNoChanges, "nothing to modify")
	}

	release, err := s.locker.Lock(ctx, registrationLockKey(regID))
	if err != nil {
		return nil, err
	}
	defer release()

	reg, history, event, err := s.loadForMutation(ctx, regID, requester)
	if err != nil {
		return nil, err
	}
	decision := eligibility.CanModify(reg, event, history, s.clock.Now(), eligibility.ModeModify, s.policy)
	if !decision.Allowed {
		s.metrics.IncrementEligibilityDenied(eligibility.ModeModify.String(), decision.Reason)
		return nil, decision.Err()
	}

	updated, rec, err := s.store.Update(ctx, regID, patch, historyMeta(ctx, requester, reason))
	if err != nil {
		return nil, translateUpdateErr(err)
	}

	total := models.CountModifications(history) + 1
	s.metrics.IncrementModified()
	s.logger.InfoContext(ctx, "registration modified",
		"registration_id", regID.String(),
		"user_id", requester,
		"fields", changedFields(rec.Changes),
		"modification_count", total,
	)
	s.emit(ctx, audit.Event{
		Type:           audit.EventRegistrationUpdated,
		UserID:         string(requester),
		RegistrationID: regID.String(),
		EventID:        string(updated.EventID),
		Fields:         changedFields(rec.Changes),
		Reason:         reason,
	})
	return &ModifyResult{
		Registration: updated,
		History:      rec,
		ModificationInfo: ModificationInfo{
			TotalModifications:     total,
			RemainingModifications: eligibility.Remaining(append(history, rec), s.policy),
		},
	}, nil
}

// Cancel cancels a registration. The gateway cancellation is best effort:
// its failure is logged and never blocks the local transition.
func (s *Service) Cancel(ctx context.Context, regID id.RegistrationID, requester id.UserID, reason string) (*CancelResult, error) {
	release, err := s.locker.Lock(ctx, registrationLockKey(regID))
	if err != nil {
		return nil, err
	}
	defer release()

	reg, history, event, err := s.loadForMutation(ctx, regID, requester)
	if err != nil {
		return nil, err
	}
	decision := eligibility.CanModify(reg, event, history, s.clock.Now(), eligibility.ModeCancel, s.policy)
	if !decision.Allowed {
		s.metrics.IncrementEligibilityDenied(eligibility.ModeCancel.String(), decision.Reason)
		return nil, decision.Err()
	}

	// Once accepted, cancellation completes even if the caller disconnects.
	ctx = context.WithoutCancel(ctx)
	orderCancelled := s.cancelOrder(ctx, reg, event)

	cancelled := models.StatusCancelled
	updated, rec, err := s.store.Update(ctx, regID, models.Patch{Status: &cancelled}, historyMeta(ctx, requester, reason))
	if err != nil {
		return nil, translateUpdateErr(err)
	}

	s.metrics.IncrementCancelled()
	s.logger.InfoContext(ctx, "registration cancelled",
		"registration_id", regID.String(),
		"user_id", requester,
		"order_cancelled", orderCancelled,
	)
	s.emit(ctx, audit.Event{
		Type:           audit.EventRegistrationCancelled,
		UserID:         string(requester),
		RegistrationID: regID.String(),
		EventID:        string(updated.EventID),
		OrderID:        updated.ExternalOrderID,
		Reason:         reason,
	})
	return &CancelResult{Registration: updated, History: rec, Reason: reason, OrderCancelled: orderCancelled}, nil
}

func (s *Service) cancelOrder(ctx context.Context, reg *models.Registration, event *events.Event) bool {
	if reg.ExternalOrderID == "" || event == nil {
		return false
	}
	callCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	if _, err := s.gateway.CancelOrder(callCtx, event.ExternalRef, reg.ExternalOrderID); err != nil {
		s.metrics.IncrementOrderCancelFailure()
		s.logger.WarnContext(ctx, "gateway order cancellation failed, cancelling locally",
			"registration_id", reg.ID.String(),
			"external_order_id", reg.ExternalOrderID,
			"error", err,
		)
		s.emit(ctx, audit.Event{
			Type:           audit.EventOrderCancelFailed,
			UserID:         string(reg.UserID),
			RegistrationID: reg.ID.String(),
			OrderID:        reg.ExternalOrderID,
		})
		return false
	}
	return true
}

// loadForMutation resolves the registration, checks ownership and loads the
// ledger and event the eligibility rules need.
func (s *Service) loadForMutation(ctx context.Context, regID id.RegistrationID, requester id.UserID) (*models.Registration, []*models.HistoryRecord, *events.Event, error) {
	reg, err := s.getOwned(ctx, regID, requester)
	if err != nil {
		return nil, nil, nil, err
	}
	history, err := s.store.ListHistory(ctx, regID)
	if err != nil {
		return nil, nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load registration history")
	}
	event, err := s.events.Get(ctx, reg.EventID)
	if err != nil {
		if !errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load event")
		}
		s.logger.WarnContext(ctx, "registration references unknown event",
			"registration_id", regID.String(), "event_id", reg.EventID)
		event = nil
	}
	return reg, history, event, nil
}

// getOwned loads a registration and enforces that requester owns it.
func (s *Service) getOwned(ctx context.Context, regID id.RegistrationID, requester id.UserID) (*models.Registration, error) {
	reg, err := s.store.GetByID(ctx, regID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, eligibility.ReasonNotFound)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load registration")
	}
	if reg.UserID != requester {
		return nil, dErrors.New(dErrors.CodeForbidden, "registration belongs to another user")
	}
	return reg, nil
}

func translateUpdateErr(err error) error {
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		return de
	case errors.Is(err, sentinel.ErrNoChanges):
		return dErrors.New(dErrors.CodeNoChanges, "nothing to modify")
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.New(dErrors.CodeAlreadyCancelled, eligibility.ReasonAlreadyCancelled).
			WithDetails(dErrors.Details{Reason: eligibility.ReasonAlreadyCancelled})
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, eligibility.ReasonNotFound)
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update registration")
	}
}

func registrationLockKey(regID id.RegistrationID) string {
	return "registration-id:" + regID.String()
}
