package store_test

import (
	"context"
	"time"

	"github.com/stretchr/testify/suite"

	regmodels "sangha/internal/registration/models"
	"sangha/internal/retry/models"
	id "sangha/pkg/domain"
	"sangha/pkg/platform/sentinel"
)

type retryStore interface {
	Create(ctx context.Context, rec *models.RetryRecord) error
	Get(ctx context.Context, retryID id.RetryID) (*models.RetryRecord, error)
	ListByUser(ctx context.Context, userID id.UserID) ([]*models.RetryRecord, error)
	ListActive(ctx context.Context) ([]*models.RetryRecord, error)
	Save(ctx context.Context, rec *models.RetryRecord) error
	ClearAll(ctx context.Context) error
}

var suiteStart = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

type StoreSuite struct {
	suite.Suite
	newStore func() retryStore
	store    retryStore
}

func (s *StoreSuite) SetupTest() {
	s.store = s.newStore()
	s.Require().NoError(s.store.ClearAll(context.Background()))
}

func pendingFor(userID id.UserID) *models.RetryRecord {
	return models.NewRetryRecord(regmodels.Payload{
		UserID:       userID,
		EventID:      "kathina",
		IdentityType: regmodels.IdentityVolunteer,
		PersonalInfo: regmodels.PersonalInfo{Name: "Somchai", EmergencyContact: "Malee"},
		Transport:    &regmodels.Transport{Required: true, LocationID: "bkk"},
	}, suiteStart)
}

func (s *StoreSuite) TestCreateAndGet() {
	ctx := context.Background()
	rec := pendingFor("u1")
	s.Require().NoError(s.store.Create(ctx, rec))

	got, err := s.store.Get(ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(rec.ID, got.ID)
	s.Equal(models.StatusPending, got.Status)
	s.Empty(got.Attempts)
	s.Equal("Malee", got.RegistrationData.PersonalInfo.EmergencyContact)
	s.Require().NotNil(got.RegistrationData.Transport)
	s.Equal("bkk", got.RegistrationData.Transport.LocationID)
	s.True(got.CreatedAt.Equal(suiteStart))

	s.Run("duplicate id", func() {
		s.ErrorIs(s.store.Create(ctx, rec), sentinel.ErrConflict)
	})
	s.Run("unknown id", func() {
		_, err := s.store.Get(ctx, id.NewRetryID())
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *StoreSuite) TestSaveAttempts() {
	ctx := context.Background()
	rec := pendingFor("u1")
	s.Require().NoError(s.store.Create(ctx, rec))

	next := suiteStart.Add(time.Second)
	rec.Status = models.StatusRetrying
	rec.Attempts = append(rec.Attempts, models.Attempt{
		AttemptNumber: 1, Timestamp: suiteStart, Outcome: models.OutcomeFailure, ErrorCode: "NETWORK_ERROR",
	})
	rec.LastError = "gateway unreachable"
	rec.NextAttemptAt = &next
	s.Require().NoError(s.store.Save(ctx, rec))

	regID := id.NewRegistrationID()
	rec.Status = models.StatusSuccess
	rec.Attempts = append(rec.Attempts, models.Attempt{AttemptNumber: 2, Timestamp: next, Outcome: models.OutcomeSuccess})
	rec.FinalOrderID = "ORD009"
	rec.RegistrationID = &regID
	rec.NextAttemptAt = nil
	s.Require().NoError(s.store.Save(ctx, rec))

	got, err := s.store.Get(ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusSuccess, got.Status)
	s.Equal("ORD009", got.FinalOrderID)
	s.Require().NotNil(got.RegistrationID)
	s.Equal(regID, *got.RegistrationID)
	s.Nil(got.NextAttemptAt)
	s.Require().Len(got.Attempts, 2)
	s.Equal("NETWORK_ERROR", got.Attempts[0].ErrorCode)
	s.Equal(models.OutcomeSuccess, got.Attempts[1].Outcome)

	s.Run("terminal records are frozen", func() {
		rec.Status = models.StatusFailed
		s.ErrorIs(s.store.Save(ctx, rec), sentinel.ErrInvalidState)

		got, err := s.store.Get(ctx, rec.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusSuccess, got.Status)
	})

	s.Run("unknown record", func() {
		s.ErrorIs(s.store.Save(ctx, pendingFor("u1")), sentinel.ErrNotFound)
	})
}

func (s *StoreSuite) TestSaveRejectsStaleCopy() {
	ctx := context.Background()
	rec := pendingFor("u1")
	s.Require().NoError(s.store.Create(ctx, rec))

	first, err := s.store.Get(ctx, rec.ID)
	s.Require().NoError(err)
	second, err := s.store.Get(ctx, rec.ID)
	s.Require().NoError(err)

	next := suiteStart.Add(time.Second)
	for _, r := range []*models.RetryRecord{first, second} {
		r.Status = models.StatusRetrying
		r.NextAttemptAt = &next
		r.Attempts = append(r.Attempts, models.Attempt{
			AttemptNumber: 1, Timestamp: suiteStart, Outcome: models.OutcomeFailure, ErrorCode: "TIMEOUT",
		})
	}
	first.LastError = "first writer"
	second.LastError = "second writer"

	s.Require().NoError(s.store.Save(ctx, first))
	s.ErrorIs(s.store.Save(ctx, second), sentinel.ErrConflict)

	got, err := s.store.Get(ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal("first writer", got.LastError)
	s.Len(got.Attempts, 1)

	s.Run("skipping an attempt is rejected", func() {
		first.Attempts = append(first.Attempts,
			models.Attempt{AttemptNumber: 2, Timestamp: next, Outcome: models.OutcomeFailure},
			models.Attempt{AttemptNumber: 3, Timestamp: next, Outcome: models.OutcomeFailure},
		)
		s.ErrorIs(s.store.Save(ctx, first), sentinel.ErrConflict)
	})
}

func (s *StoreSuite) TestListByUser() {
	ctx := context.Background()
	first, second, other := pendingFor("u1"), pendingFor("u1"), pendingFor("u2")
	for _, rec := range []*models.RetryRecord{first, other, second} {
		s.Require().NoError(s.store.Create(ctx, rec))
	}

	got, err := s.store.ListByUser(ctx, "u1")
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal(first.ID, got[0].ID)
	s.Equal(second.ID, got[1].ID)

	none, err := s.store.ListByUser(ctx, "nobody")
	s.Require().NoError(err)
	s.Empty(none)
}

func (s *StoreSuite) TestListActive() {
	ctx := context.Background()
	waiting, done := pendingFor("u1"), pendingFor("u2")
	s.Require().NoError(s.store.Create(ctx, waiting))
	s.Require().NoError(s.store.Create(ctx, done))
	done.Status = models.StatusFailed
	done.Attempts = append(done.Attempts, models.Attempt{
		AttemptNumber: 1, Timestamp: suiteStart, Outcome: models.OutcomeFailure, ErrorCode: "ITEM_UNAVAILABLE",
	})
	s.Require().NoError(s.store.Save(ctx, done))

	got, err := s.store.ListActive(ctx)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(waiting.ID, got[0].ID)
}
