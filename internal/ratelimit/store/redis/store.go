package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"cartkeep/internal/ratelimit/models"
	"cartkeep/pkg/platform/sentinel"
)

const keyPrefix = "ratelimit:"

// slidingWindow trims, counts and conditionally records in one round trip.
// Returns {allowed, remaining, oldest score in ms}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  count = count + 1
  allowed = 1
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local first = now
if oldest[2] then first = tonumber(oldest[2]) end
return {allowed, limit - count, first}
`)

// RedisStore is a sliding window limiter shared by every server instance.
// Each key is a sorted set of request timestamps.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

type Option func(*RedisStore)

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) Option {
	return func(s *RedisStore) {
		if now != nil {
			s.now = now
		}
	}
}

func New(client *redis.Client, opts ...Option) *RedisStore {
	s := &RedisStore{client: client, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.Result, error) {
	now := s.now()
	res, err := slidingWindow.Run(ctx, s.client, []string{keyPrefix + key},
		now.UnixMilli(), window.Milliseconds(), limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit %s: %w: %w", key, sentinel.ErrUnavailable, err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("rate limit %s: unexpected script reply %v", key, res)
	}

	resetAt := time.UnixMilli(res[2]).Add(window)
	if res[0] == 0 {
		return models.Denied(limit, resetAt, now), nil
	}
	return &models.Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: int(res[1]),
		ResetAt:   resetAt,
	}, nil
}

// Reset forgets key.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("reset rate limit %s: %w: %w", key, sentinel.ErrUnavailable, err)
	}
	return nil
}
