package orchestrator

import (
	"context"
	"time"

	"github.com/keepintouch/syncengine/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter gates manual syncs to one request per pair per interval.
type RateLimiter interface {
	Allow(ctx context.Context, key models.PairKey) bool
}

// RedisRateLimiter implements the limit with SET NX EX: the first caller in
// a window claims the key, later callers are refused until it expires. An
// unreachable Redis fails open, matching the idempotency cache policy.
type RedisRateLimiter struct {
	client   redis.UniversalClient
	interval time.Duration
	logger   *zap.Logger
}

func NewRedisRateLimiter(client redis.UniversalClient, interval time.Duration, logger *zap.Logger) *RedisRateLimiter {
	return &RedisRateLimiter{
		client:   client,
		interval: interval,
		logger:   logger,
	}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, key models.PairKey) bool {
	redisKey := "syncengine:manual:" + key.String()

	ok, err := l.client.SetNX(ctx, redisKey, 1, l.interval).Result()
	if err != nil {
		l.logger.Warn("rate limiter unavailable, allowing request", zap.Error(err))
		return true
	}

	return ok
}
