package service

import (
	"context"
	"time"

	"sangha/internal/ordergateway"
	"sangha/internal/ordergateway/classifier"
	"sangha/internal/registration/eligibility"
	"sangha/internal/registration/models"
	id "sangha/pkg/domain"
	dErrors "sangha/pkg/domain-errors"
)

// TimelineEntry is a human-oriented summary of one ledger entry.
type TimelineEntry struct {
	At      time.Time     `json:"at"`
	Action  models.Action `json:"action"`
	Summary string        `json:"summary"`
	Fields  []string      `json:"fields,omitempty"`
	Reason  string        `json:"reason,omitempty"`
}

// HistoryView is the ledger of one registration, newest first.
type HistoryView struct {
	Registration      *models.Registration
	History           []*models.HistoryRecord
	Timeline          []TimelineEntry
	ModificationCount int
	ModificationInfo  ModificationInfo
	// CanModify reflects the eligibility rules evaluated now.
	CanModify bool
	Reason    string
}

// Get returns one registration owned by requester with its budget.
func (s *Service) Get(ctx context.Context, regID id.RegistrationID, requester id.UserID) (*models.Registration, ModificationInfo, error) {
	reg, err := s.getOwned(ctx, regID, requester)
	if err != nil {
		return nil, ModificationInfo{}, err
	}
	history, err := s.store.ListHistory(ctx, regID)
	if err != nil {
		return nil, ModificationInfo{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load registration history")
	}
	return reg, s.modificationInfo(history), nil
}

// ListMine returns the requester's registrations in creation order.
func (s *Service) ListMine(ctx context.Context, requester id.UserID) ([]*models.Registration, error) {
	regs, err := s.store.GetByUser(ctx, requester)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list registrations")
	}
	return regs, nil
}

// History builds the ledger view for one registration.
func (s *Service) History(ctx context.Context, regID id.RegistrationID, requester id.UserID) (*HistoryView, error) {
	reg, history, event, err := s.loadForMutation(ctx, regID, requester)
	if err != nil {
		return nil, err
	}
	decision := eligibility.CanModify(reg, event, history, s.clock.Now(), eligibility.ModeModify, s.policy)

	newestFirst := make([]*models.HistoryRecord, len(history))
	timeline := make([]TimelineEntry, len(history))
	for i, h := range history {
		j := len(history) - 1 - i
		newestFirst[j] = h
		timeline[j] = timelineEntry(h)
	}
	return &HistoryView{
		Registration:      reg,
		History:           newestFirst,
		Timeline:          timeline,
		ModificationCount: models.CountModifications(history),
		ModificationInfo:  s.modificationInfo(history),
		CanModify:         decision.Allowed,
		Reason:            decision.Reason,
	}, nil
}

// OrderStatus fetches the gateway's current view of the registration's order.
func (s *Service) OrderStatus(ctx context.Context, regID id.RegistrationID, requester id.UserID) (*ordergateway.Order, error) {
	reg, err := s.getOwned(ctx, regID, requester)
	if err != nil {
		return nil, err
	}
	if reg.ExternalOrderID == "" {
		return nil, dErrors.New(dErrors.CodeNotFound, "registration has no external order")
	}
	event, err := s.events.Get(ctx, reg.EventID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "event not found")
	}
	callCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	order, err := s.gateway.GetOrderStatus(callCtx, event.ExternalRef, reg.ExternalOrderID)
	if err != nil {
		return nil, classifier.DomainError(err)
	}
	return order, nil
}

func (s *Service) modificationInfo(history []*models.HistoryRecord) ModificationInfo {
	return ModificationInfo{
		TotalModifications:     models.CountModifications(history),
		RemainingModifications: eligibility.Remaining(history, s.policy),
	}
}

func timelineEntry(h *models.HistoryRecord) TimelineEntry {
	entry := TimelineEntry{At: h.CreatedAt, Action: h.Action, Reason: h.Reason}
	switch h.Action {
	case models.ActionCreated:
		entry.Summary = "Registration created"
	case models.ActionCancelled:
		entry.Summary = "Registration cancelled"
	default:
		entry.Fields = changedFields(h.Changes)
		entry.Summary = "Registration updated"
	}
	return entry
}
