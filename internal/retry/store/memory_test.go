package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"sangha/internal/retry/models"
	"sangha/internal/retry/store"
)

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, &StoreSuite{newStore: func() retryStore { return store.NewInMemory() }})
}

func TestInMemory_ReturnedRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemory()
	rec := pendingFor("u1")
	require.NoError(t, s.Create(ctx, rec))

	rec.Attempts = append(rec.Attempts, models.Attempt{AttemptNumber: 1})
	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Attempts)

	got.Status = models.StatusFailed
	again, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, again.Status)
}
