package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// IdempotencyCache is an optional result cache consulted for queue-delivered
// jobs. It must be treated as unreliable: any error is a cache miss, never a
// job failure ("fail open").
type IdempotencyCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// IdempotencyKey computes the stable key for one queue job instance:
// sha256(jobName | jobID | payload). The jobID is the queue's task ID, so
// only redeliveries of the same task share a key; a new enqueue for the
// same pair is a new instance and always runs.
func IdempotencyKey(jobName, jobID string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(jobName))
	h.Write([]byte{'|'})
	h.Write([]byte(jobID))
	h.Write([]byte{'|'})
	h.Write(payload)

	return "syncengine:idem:" + hex.EncodeToString(h.Sum(nil))
}

// RedisIdempotencyCache backs the cache with a TTL'd Redis key.
type RedisIdempotencyCache struct {
	client redis.UniversalClient
	logger *zap.Logger
}

func NewRedisIdempotencyCache(client redis.UniversalClient, logger *zap.Logger) *RedisIdempotencyCache {
	return &RedisIdempotencyCache{client: client, logger: logger}
}

// Get returns the cached value, treating every error (including an
// unreachable Redis) as a miss.
func (c *RedisIdempotencyCache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("idempotency cache read failed, treating as miss", zap.Error(err))
		}

		return nil, false
	}

	return val, true
}

// Set stores the value with a TTL. Errors are logged and dropped.
func (c *RedisIdempotencyCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.logger.Warn("idempotency cache write failed", zap.Error(err))
	}
}
