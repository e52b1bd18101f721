package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"sangha/pkg/platform/clock"
)

// Redis is a sliding window shared by every instance. Each key is a sorted
// set of request ids scored by their arrival time in milliseconds.
type Redis struct {
	client redis.UniversalClient
	limit  int
	window time.Duration
	clock  clock.Clock
}

func NewRedis(client redis.UniversalClient, limit int, window time.Duration, c clock.Clock) *Redis {
	if c == nil {
		c = clock.System{}
	}
	return &Redis{client: client, limit: limit, window: window, clock: c}
}

// allowScript trims the window, admits the request when under the limit and
// returns {allowed, count, oldestScore}.
var allowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
local allowed = 0
if count < limit then
  redis.call("ZADD", key, now, ARGV[4])
  count = count + 1
  allowed = 1
end
redis.call("PEXPIRE", key, window)
local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
local oldestScore = now
if oldest[2] then oldestScore = tonumber(oldest[2]) end
return {allowed, count, oldestScore}
`)

func (s *Redis) Allow(ctx context.Context, key string) (*Result, error) {
	now := s.clock.Now()
	nowMs := now.UnixMilli()
	raw, err := allowScript.Run(ctx, s.client, []string{key},
		nowMs, s.window.Milliseconds(), s.limit, strconv.FormatInt(nowMs, 10)+"-"+uuid.NewString()).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit script: %w", err)
	}
	if len(raw) != 3 {
		return nil, fmt.Errorf("rate limit script: unexpected reply %v", raw)
	}

	resetAt := time.UnixMilli(raw[2]).Add(s.window)
	if raw[0] == 1 {
		return &Result{
			Allowed:   true,
			Limit:     s.limit,
			Remaining: s.limit - int(raw[1]),
			ResetAt:   resetAt,
		}, nil
	}
	return &Result{
		Allowed:    false,
		Limit:      s.limit,
		ResetAt:    resetAt,
		RetryAfter: retryAfterSeconds(resetAt, now),
	}, nil
}
