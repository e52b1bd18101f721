package ratelimit

import (
	"context"
	"sync"
	"time"

	"sangha/pkg/platform/clock"
)

// SlidingWindow is an in-memory limiter for a single instance.
type SlidingWindow struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clock   clock.Clock
	buckets map[string]*bucket
}

// bucket holds the request timestamps still inside the window, oldest first.
type bucket struct {
	timestamps []time.Time
}

func NewSlidingWindow(limit int, window time.Duration, c clock.Clock) *SlidingWindow {
	if c == nil {
		c = clock.System{}
	}
	return &SlidingWindow{
		limit:   limit,
		window:  window,
		clock:   c,
		buckets: make(map[string]*bucket),
	}
}

func (s *SlidingWindow) Allow(_ context.Context, key string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	b := s.buckets[key]
	if b == nil {
		b = &bucket{}
		s.buckets[key] = b
	}
	b.cleanup(now, s.window)

	if len(b.timestamps) < s.limit {
		b.timestamps = append(b.timestamps, now)
		return &Result{
			Allowed:   true,
			Limit:     s.limit,
			Remaining: s.limit - len(b.timestamps),
			ResetAt:   b.timestamps[0].Add(s.window),
		}, nil
	}

	resetAt := b.timestamps[0].Add(s.window)
	return &Result{
		Allowed:    false,
		Limit:      s.limit,
		Remaining:  0,
		ResetAt:    resetAt,
		RetryAfter: retryAfterSeconds(resetAt, now),
	}, nil
}

// Reset clears the counter for a key.
func (s *SlidingWindow) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, key)
}

// cleanup drops timestamps that fell out of the window.
func (b *bucket) cleanup(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for ; i < len(b.timestamps); i++ {
		if b.timestamps[i].After(cutoff) {
			break
		}
	}
	b.timestamps = b.timestamps[i:]
}
