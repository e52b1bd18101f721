package store_test

import (
	"context"
	"time"

	"github.com/stretchr/testify/suite"

	"sangha/internal/registration/models"
	id "sangha/pkg/domain"
	"sangha/pkg/platform/clock"
	"sangha/pkg/platform/sentinel"
)

// registrationStore is the contract both implementations satisfy.
type registrationStore interface {
	Create(ctx context.Context, reg *models.Registration, meta models.HistoryMeta) (*models.HistoryRecord, error)
	GetByID(ctx context.Context, regID id.RegistrationID) (*models.Registration, error)
	FindActive(ctx context.Context, userID id.UserID, eventID id.EventID) (*models.Registration, error)
	GetByUser(ctx context.Context, userID id.UserID) ([]*models.Registration, error)
	GetByEvent(ctx context.Context, eventID id.EventID) ([]*models.Registration, error)
	Update(ctx context.Context, regID id.RegistrationID, patch models.Patch, meta models.HistoryMeta) (*models.Registration, *models.HistoryRecord, error)
	ListHistory(ctx context.Context, regID id.RegistrationID) ([]*models.HistoryRecord, error)
	ClearAll(ctx context.Context) error
}

var suiteStart = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

// StoreSuite exercises the store contract. Implementations embed it and set
// newStore.
type StoreSuite struct {
	suite.Suite
	clock    *clock.Manual
	newStore func(c clock.Clock) registrationStore
	store    registrationStore
}

func (s *StoreSuite) SetupTest() {
	s.clock = clock.NewManual(suiteStart)
	s.store = s.newStore(s.clock)
	s.Require().NoError(s.store.ClearAll(context.Background()))
}

func newConfirmed(userID id.UserID, eventID id.EventID, at time.Time) *models.Registration {
	reg, err := models.NewRegistration(id.NewRegistrationID(), models.Payload{
		UserID:       userID,
		EventID:      eventID,
		IdentityType: models.IdentityClergy,
		PersonalInfo: models.PersonalInfo{Name: "Ven. Anan", TempleName: "Wat Pa"},
	}, "ORD-"+string(userID), at)
	if err != nil {
		panic(err)
	}
	return reg
}

func strPtr(s string) *string { return &s }

func (s *StoreSuite) TestCreateAndGet() {
	ctx := context.Background()
	reg := newConfirmed("u1", "e1", suiteStart)

	rec, err := s.store.Create(ctx, reg, models.HistoryMeta{UserID: "u1"})
	s.Require().NoError(err)
	s.Equal(models.ActionCreated, rec.Action)
	s.Empty(rec.Changes)

	got, err := s.store.GetByID(ctx, reg.ID)
	s.Require().NoError(err)
	s.Equal(reg.ID, got.ID)
	s.Equal(models.StatusConfirmed, got.Status)
	s.Equal("Wat Pa", got.PersonalInfo.TempleName)
	s.Equal("ORD-u1", got.ExternalOrderID)

	active, err := s.store.FindActive(ctx, "u1", "e1")
	s.Require().NoError(err)
	s.Equal(reg.ID, active.ID)

	_, err = s.store.GetByID(ctx, id.NewRegistrationID())
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *StoreSuite) TestCreateRejectsSecondActivePair() {
	ctx := context.Background()
	_, err := s.store.Create(ctx, newConfirmed("u1", "e1", suiteStart), models.HistoryMeta{UserID: "u1"})
	s.Require().NoError(err)

	_, err = s.store.Create(ctx, newConfirmed("u1", "e1", suiteStart), models.HistoryMeta{UserID: "u1"})
	s.ErrorIs(err, sentinel.ErrConflict)

	s.Run("other event for the same user is fine", func() {
		_, err := s.store.Create(ctx, newConfirmed("u1", "e2", suiteStart), models.HistoryMeta{UserID: "u1"})
		s.NoError(err)
	})
}

func (s *StoreSuite) TestCancelledFreesThePair() {
	ctx := context.Background()
	first := newConfirmed("u1", "e1", suiteStart)
	_, err := s.store.Create(ctx, first, models.HistoryMeta{UserID: "u1"})
	s.Require().NoError(err)

	cancelled := models.StatusCancelled
	_, rec, err := s.store.Update(ctx, first.ID, models.Patch{Status: &cancelled}, models.HistoryMeta{UserID: "u1", Reason: "travel"})
	s.Require().NoError(err)
	s.Equal(models.ActionCancelled, rec.Action)
	s.Equal("travel", rec.Reason)

	_, err = s.store.FindActive(ctx, "u1", "e1")
	s.ErrorIs(err, sentinel.ErrNotFound)

	_, err = s.store.Create(ctx, newConfirmed("u1", "e1", suiteStart), models.HistoryMeta{UserID: "u1"})
	s.NoError(err)
}

func (s *StoreSuite) TestUpdateWritesOneLedgerEntry() {
	ctx := context.Background()
	reg := newConfirmed("u1", "e1", suiteStart)
	_, err := s.store.Create(ctx, reg, models.HistoryMeta{UserID: "u1"})
	s.Require().NoError(err)

	s.clock.Advance(time.Hour)
	updated, rec, err := s.store.Update(ctx, reg.ID, models.Patch{
		PersonalInfo: &models.PersonalInfoPatch{Phone: strPtr("0812345678"), TempleName: strPtr("Wat Nong Pah Pong")},
		Transport:    &models.Transport{Required: true, LocationID: "bkk"},
	}, models.HistoryMeta{UserID: "u1", Metadata: map[string]string{"client_ip": "10.0.0.1"}})
	s.Require().NoError(err)

	s.Equal(suiteStart.Add(time.Hour), updated.UpdatedAt.UTC())
	s.Equal(models.ActionUpdated, rec.Action)
	fields := make([]string, 0, len(rec.Changes))
	for _, c := range rec.Changes {
		fields = append(fields, c.Field)
	}
	s.Equal([]string{"personalInfo.phone", "personalInfo.templeName", "transport"}, fields)
	s.Equal("10.0.0.1", rec.Metadata["client_ip"])

	history, err := s.store.ListHistory(ctx, reg.ID)
	s.Require().NoError(err)
	s.Require().Len(history, 2)
	s.Equal(models.ActionCreated, history[0].Action)
	s.Equal(models.ActionUpdated, history[1].Action)
	s.Equal("Wat Pa", history[1].Changes[1].OldValue)
	s.Equal("Wat Nong Pah Pong", history[1].Changes[1].NewValue)
}

func (s *StoreSuite) TestNoopUpdateLeavesNoTrace() {
	ctx := context.Background()
	reg := newConfirmed("u1", "e1", suiteStart)
	_, err := s.store.Create(ctx, reg, models.HistoryMeta{UserID: "u1"})
	s.Require().NoError(err)

	s.clock.Advance(time.Hour)
	_, _, err = s.store.Update(ctx, reg.ID, models.Patch{
		PersonalInfo: &models.PersonalInfoPatch{TempleName: strPtr("Wat Pa")},
	}, models.HistoryMeta{UserID: "u1"})
	s.ErrorIs(err, sentinel.ErrNoChanges)

	got, err := s.store.GetByID(ctx, reg.ID)
	s.Require().NoError(err)
	s.Equal(suiteStart, got.UpdatedAt.UTC())

	history, err := s.store.ListHistory(ctx, reg.ID)
	s.Require().NoError(err)
	s.Len(history, 1)
}

func (s *StoreSuite) TestCancelledIsTerminal() {
	ctx := context.Background()
	reg := newConfirmed("u1", "e1", suiteStart)
	_, err := s.store.Create(ctx, reg, models.HistoryMeta{UserID: "u1"})
	s.Require().NoError(err)

	cancelled := models.StatusCancelled
	_, _, err = s.store.Update(ctx, reg.ID, models.Patch{Status: &cancelled}, models.HistoryMeta{UserID: "u1"})
	s.Require().NoError(err)

	_, _, err = s.store.Update(ctx, reg.ID, models.Patch{
		PersonalInfo: &models.PersonalInfoPatch{Name: strPtr("Other")},
	}, models.HistoryMeta{UserID: "u1"})
	s.ErrorIs(err, sentinel.ErrInvalidState)

	history, err := s.store.ListHistory(ctx, reg.ID)
	s.Require().NoError(err)
	s.Len(history, 2)
}

func (s *StoreSuite) TestListsKeepInsertionOrder() {
	ctx := context.Background()
	a := newConfirmed("u1", "e1", suiteStart)
	b := newConfirmed("u2", "e1", suiteStart)
	c := newConfirmed("u1", "e2", suiteStart)
	for _, r := range []*models.Registration{a, b, c} {
		_, err := s.store.Create(ctx, r, models.HistoryMeta{UserID: r.UserID})
		s.Require().NoError(err)
	}

	byUser, err := s.store.GetByUser(ctx, "u1")
	s.Require().NoError(err)
	s.Require().Len(byUser, 2)
	s.Equal(a.ID, byUser[0].ID)
	s.Equal(c.ID, byUser[1].ID)

	byEvent, err := s.store.GetByEvent(ctx, "e1")
	s.Require().NoError(err)
	s.Require().Len(byEvent, 2)
	s.Equal(a.ID, byEvent[0].ID)
	s.Equal(b.ID, byEvent[1].ID)

	none, err := s.store.GetByUser(ctx, "nobody")
	s.Require().NoError(err)
	s.Empty(none)
}

func (s *StoreSuite) TestListHistoryUnknownRegistration() {
	_, err := s.store.ListHistory(context.Background(), id.NewRegistrationID())
	s.ErrorIs(err, sentinel.ErrNotFound)
}
