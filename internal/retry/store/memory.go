// Package store persists retry records.
package store

import (
	"context"
	"sync"

	"sangha/internal/retry/models"
	id "sangha/pkg/domain"
	"sangha/pkg/platform/sentinel"
)

// InMemory keeps retry records in a map. Records are cloned on the way in
// and out so callers never share attempt slices with the store.
type InMemory struct {
	mu      sync.RWMutex
	records map[id.RetryID]*models.RetryRecord
	order   []id.RetryID
}

func NewInMemory() *InMemory {
	return &InMemory{records: make(map[id.RetryID]*models.RetryRecord)}
}

func (s *InMemory) Create(_ context.Context, rec *models.RetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return sentinel.ErrConflict
	}
	s.records[rec.ID] = rec.Clone()
	s.order = append(s.order, rec.ID)
	return nil
}

func (s *InMemory) Get(_ context.Context, retryID id.RetryID) (*models.RetryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[retryID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return rec.Clone(), nil
}

// ListByUser returns the user's records in creation order.
func (s *InMemory) ListByUser(_ context.Context, userID id.UserID) ([]*models.RetryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.RetryRecord, 0)
	for _, retryID := range s.order {
		if rec := s.records[retryID]; rec.UserID == userID {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// ListActive returns every non-terminal record in creation order.
func (s *InMemory) ListActive(_ context.Context) ([]*models.RetryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.RetryRecord, 0)
	for _, retryID := range s.order {
		if rec := s.records[retryID]; !rec.Status.IsTerminal() {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// Save records one new attempt: rec must carry exactly one attempt more than
// the stored record. A terminal record cannot be overwritten; a record that
// moved on since rec was loaded yields sentinel.ErrConflict.
func (s *InMemory) Save(_ context.Context, rec *models.RetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[rec.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.Status.IsTerminal() {
		return sentinel.ErrInvalidState
	}
	if len(current.Attempts) != len(rec.Attempts)-1 {
		return sentinel.ErrConflict
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

// ClearAll removes every record. Tests only.
func (s *InMemory) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[id.RetryID]*models.RetryRecord)
	s.order = nil
	return nil
}
