//go:build integration

package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	ratelimitredis "cartkeep/internal/ratelimit/store/redis"
	"cartkeep/pkg/testutil/containers"
)

type RedisLimiterSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	now   time.Time
	store *ratelimitredis.RedisStore
}

func TestRedisLimiterSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisLimiterSuite))
}

func (s *RedisLimiterSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.store = ratelimitredis.New(s.redis.Client, ratelimitredis.WithClock(func() time.Time { return s.now }))
}

func (s *RedisLimiterSuite) SetupTest() {
	s.now = time.Now().Truncate(time.Millisecond)
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisLimiterSuite) TestAllowsUpToLimit() {
	ctx := context.Background()
	for i := range 3 {
		res, err := s.store.Allow(ctx, "guest:a", 3, time.Minute)
		s.Require().NoError(err)
		s.True(res.Allowed)
		s.Equal(2-i, res.Remaining)
		s.now = s.now.Add(time.Millisecond)
	}

	res, err := s.store.Allow(ctx, "guest:a", 3, time.Minute)
	s.Require().NoError(err)
	s.False(res.Allowed)
	s.Equal(0, res.Remaining)
	s.GreaterOrEqual(res.RetryAfter, 59)
}

func (s *RedisLimiterSuite) TestWindowSlides() {
	ctx := context.Background()
	for range 2 {
		_, err := s.store.Allow(ctx, "guest:b", 2, time.Second)
		s.Require().NoError(err)
	}
	res, err := s.store.Allow(ctx, "guest:b", 2, time.Second)
	s.Require().NoError(err)
	s.False(res.Allowed)

	s.now = s.now.Add(1100 * time.Millisecond)
	res, err = s.store.Allow(ctx, "guest:b", 2, time.Second)
	s.Require().NoError(err)
	s.True(res.Allowed)
}

func (s *RedisLimiterSuite) TestReset() {
	ctx := context.Background()
	_, err := s.store.Allow(ctx, "guest:c", 1, time.Minute)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Reset(ctx, "guest:c"))

	res, err := s.store.Allow(ctx, "guest:c", 1, time.Minute)
	s.Require().NoError(err)
	s.True(res.Allowed)
}
