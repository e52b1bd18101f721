//go:build integration

package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"sangha/internal/registration/lock"
	dErrors "sangha/pkg/domain-errors"
	"sangha/pkg/testutil/containers"
)

type RedisLockSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	lock  *lock.Redis
}

func TestRedisLockSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisLockSuite))
}

func (s *RedisLockSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.lock = lock.NewRedis(s.redis.Client, lock.WithTTL(5*time.Second))
}

func (s *RedisLockSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisLockSuite) TestSecondHolderWaitsForRelease() {
	key := lock.Key("user-1", "event-1")
	release, err := s.lock.Lock(context.Background(), key)
	s.Require().NoError(err)

	s.Run("contender times out while held", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
		defer cancel()
		_, err := s.lock.Lock(ctx, key)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeTimeout))
	})

	s.Run("contender acquires after release", func() {
		release()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		again, err := s.lock.Lock(ctx, key)
		s.Require().NoError(err)
		again()
	})
}

func (s *RedisLockSuite) TestExpiredLockIsReclaimed() {
	short := lock.NewRedis(s.redis.Client, lock.WithTTL(100*time.Millisecond))
	key := lock.Key("user-2", "event-1")

	_, err := short.Lock(context.Background(), key)
	s.Require().NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	release, err := short.Lock(ctx, key)
	s.Require().NoError(err)
	release()
}
