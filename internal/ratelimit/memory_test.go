package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"sangha/pkg/platform/clock"
)

const (
	testLimit  = 3
	testWindow = time.Minute
)

type SlidingWindowSuite struct {
	suite.Suite
	clock   *clock.Manual
	limiter *SlidingWindow
	ctx     context.Context
}

func TestSlidingWindowSuite(t *testing.T) {
	suite.Run(t, new(SlidingWindowSuite))
}

func (s *SlidingWindowSuite) SetupTest() {
	s.clock = clock.NewManual(time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC))
	s.limiter = NewSlidingWindow(testLimit, testWindow, s.clock)
	s.ctx = context.Background()
}

func (s *SlidingWindowSuite) TestAllow() {
	s.Run("requests up to the limit are allowed", func() {
		for i := 1; i <= testLimit; i++ {
			res, err := s.limiter.Allow(s.ctx, "k:limit")
			s.Require().NoError(err)
			s.True(res.Allowed)
			s.Equal(testLimit-i, res.Remaining)
		}
	})

	s.Run("request over the limit is denied with retry after", func() {
		s.clock.Advance(10 * time.Second)
		res, err := s.limiter.Allow(s.ctx, "k:limit")
		s.Require().NoError(err)
		s.False(res.Allowed)
		s.Equal(0, res.Remaining)
		s.Equal(50, res.RetryAfter)
	})

	s.Run("keys are independent", func() {
		res, err := s.limiter.Allow(s.ctx, "k:other")
		s.Require().NoError(err)
		s.True(res.Allowed)
	})
}

func (s *SlidingWindowSuite) TestWindowSlides() {
	for range testLimit {
		_, err := s.limiter.Allow(s.ctx, "k:slide")
		s.Require().NoError(err)
	}
	s.clock.Advance(testWindow)

	res, err := s.limiter.Allow(s.ctx, "k:slide")
	s.Require().NoError(err)
	s.True(res.Allowed)
	s.Equal(testLimit-1, res.Remaining)
}

func (s *SlidingWindowSuite) TestReset() {
	for range testLimit {
		_, err := s.limiter.Allow(s.ctx, "k:reset")
		s.Require().NoError(err)
	}
	s.limiter.Reset("k:reset")

	res, err := s.limiter.Allow(s.ctx, "k:reset")
	s.Require().NoError(err)
	s.True(res.Allowed)
}

func TestSlidingWindow_Concurrent(t *testing.T) {
	limiter := NewSlidingWindow(50, time.Minute, nil)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := limiter.Allow(context.Background(), UserKey("u1"))
			if !assert.NoError(t, err) {
				return
			}
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 50, allowed)
}
