// Package ratelimit counts requests per key in a sliding window.
package ratelimit

import (
	"context"
	"time"
)

// Result is the outcome of one Allow call.
type Result struct {
	Allowed    bool      `json:"allowed"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	RetryAfter int       `json:"retry_after,omitempty"` // seconds, only set when not allowed
}

// Limiter is satisfied by the memory and Redis windows.
type Limiter interface {
	Allow(ctx context.Context, key string) (*Result, error)
}

// UserKey is the bucket key of an authenticated user.
func UserKey(userID string) string {
	return "ratelimit:user:" + userID
}

func retryAfterSeconds(resetAt, now time.Time) int {
	secs := int(resetAt.Sub(now).Round(time.Second) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
