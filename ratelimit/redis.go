package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Sliding log in a sorted set scored by milliseconds. Returns
// {allowed, remaining, retryAfterMs}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count >= max then
  local wait = window
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  if oldest[2] then
    wait = tonumber(oldest[2]) + window - now
  end
  return {0, 0, wait}
end

redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window)
return {1, max - count - 1, 0}
`)

// Redis is a sliding log limiter shared by every gateway process
// pointing at the same Redis instance.
type Redis struct {
	rdb    redis.Scripter
	prefix string
	now    func() time.Time
}

// NewRedis creates a limiter storing its windows under prefix
func NewRedis(rdb redis.Scripter, prefix string) *Redis {
	if prefix == "" {
		prefix = "corsgate:rl:"
	}
	return &Redis{rdb: rdb, prefix: prefix, now: time.Now}
}

// Allow records an event for key if the window has room
func (r *Redis) Allow(ctx context.Context, key string, window time.Duration, max int) (Decision, error) {
	now := r.now().UnixMilli()
	member := fmt.Sprintf("%d-%s", now, uuid.NewString())

	res, err := slidingWindow.Run(ctx, r.rdb, []string{r.prefix + key}, now, window.Milliseconds(), max, member).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("unexpected rate limit reply: %v", res)
	}

	return Decision{
		Allowed:    res[0] == 1,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}
