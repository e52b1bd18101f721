// Package store persists registrations and their append-only history ledger.
// Stores hold no business rules beyond the active-uniqueness invariant and
// the refusal to mutate a cancelled registration.
package store

import (
	"context"
	"sync"

	"sangha/internal/registration/models"
	id "sangha/pkg/domain"
	"sangha/pkg/platform/clock"
	"sangha/pkg/platform/sentinel"
)

type activeKey struct {
	user  id.UserID
	event id.EventID
}

// InMemory is a map-backed store. Entities are cloned on the way in and out.
type InMemory struct {
	mu      sync.RWMutex
	clock   clock.Clock
	regs    map[id.RegistrationID]*models.Registration
	order   []id.RegistrationID
	active  map[activeKey]id.RegistrationID
	history map[id.RegistrationID][]*models.HistoryRecord
}

type Option func(*options)

type options struct {
	clock clock.Clock
}

// WithClock sets the clock used to stamp updatedAt and history entries.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{clock: clock.System{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewInMemory(opts ...Option) *InMemory {
	o := buildOptions(opts)
	s := &InMemory{clock: o.clock}
	s.reset()
	return s
}

func (s *InMemory) reset() {
	s.regs = make(map[id.RegistrationID]*models.Registration)
	s.order = nil
	s.active = make(map[activeKey]id.RegistrationID)
	s.history = make(map[id.RegistrationID][]*models.HistoryRecord)
}

// Create stores reg and its "created" ledger entry. It returns
// sentinel.ErrConflict when an active registration already exists for the
// same user and event.
func (s *InMemory) Create(_ context.Context, reg *models.Registration, meta models.HistoryMeta) (*models.HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.regs[reg.ID]; exists {
		return nil, sentinel.ErrConflict
	}
	key := activeKey{user: reg.UserID, event: reg.EventID}
	if reg.IsActive() {
		if _, taken := s.active[key]; taken {
			return nil, sentinel.ErrConflict
		}
		s.active[key] = reg.ID
	}
	s.regs[reg.ID] = reg.Clone()
	s.order = append(s.order, reg.ID)

	rec := newHistory(reg.ID, models.ActionCreated, []models.Change{}, meta, reg.CreatedAt)
	s.history[reg.ID] = append(s.history[reg.ID], rec)
	return rec.Clone(), nil
}

func (s *InMemory) GetByID(_ context.Context, regID id.RegistrationID) (*models.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.regs[regID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return reg.Clone(), nil
}

// FindActive returns the non-cancelled registration for the pair, if any.
func (s *InMemory) FindActive(_ context.Context, userID id.UserID, eventID id.EventID) (*models.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	regID, ok := s.active[activeKey{user: userID, event: eventID}]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.regs[regID].Clone(), nil
}

func (s *InMemory) GetByUser(_ context.Context, userID id.UserID) ([]*models.Registration, error) {
	return s.filter(func(r *models.Registration) bool { return r.UserID == userID }), nil
}

func (s *InMemory) GetByEvent(_ context.Context, eventID id.EventID) ([]*models.Registration, error) {
	return s.filter(func(r *models.Registration) bool { return r.EventID == eventID }), nil
}

func (s *InMemory) filter(match func(*models.Registration) bool) []*models.Registration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Registration, 0)
	for _, regID := range s.order {
		if r := s.regs[regID]; match(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

// Update applies patch, appends one ledger entry describing the diff, and
// bumps updatedAt. An update that changes nothing returns sentinel.ErrNoChanges
// and leaves both the entity and the ledger untouched.
func (s *InMemory) Update(_ context.Context, regID id.RegistrationID, patch models.Patch, meta models.HistoryMeta) (*models.Registration, *models.HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.regs[regID]
	if !ok {
		return nil, nil, sentinel.ErrNotFound
	}
	next, rec, err := applyPatch(current, patch, meta, s.clock.Now())
	if err != nil {
		return nil, nil, err
	}

	s.regs[regID] = next
	if !next.IsActive() {
		delete(s.active, activeKey{user: next.UserID, event: next.EventID})
	}
	s.history[regID] = append(s.history[regID], rec)
	return next.Clone(), rec.Clone(), nil
}

// ListHistory returns the ledger for one registration in insertion order.
func (s *InMemory) ListHistory(_ context.Context, regID id.RegistrationID) ([]*models.HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.regs[regID]; !ok {
		return nil, sentinel.ErrNotFound
	}
	src := s.history[regID]
	out := make([]*models.HistoryRecord, len(src))
	for i, h := range src {
		out[i] = h.Clone()
	}
	return out, nil
}

// ClearAll drops every registration and ledger entry. Tests only.
func (s *InMemory) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}
