package federation

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCache is a StatementCache shared by every trustd replica pointed at
// the same Redis. Redis errors degrade to cache misses.
type RedisCache struct {
	rdb    *redis.Client
	keyNS  string
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewRedisCache creates a RedisCache. keyPrefix defaults to
// "jwtrust:federation:ec:" and a non-positive ttl to one hour.
func NewRedisCache(rdb *redis.Client, keyPrefix string, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if keyPrefix == "" {
		keyPrefix = "jwtrust:federation:ec:"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisCache{rdb: rdb, keyNS: keyPrefix, ttl: ttl, now: time.Now, logger: logger}
}

func (c *RedisCache) key(entityID string) string { return c.keyNS + entityID }

// Get returns the cached token for entityID.
func (c *RedisCache) Get(ctx context.Context, entityID string) (string, bool) {
	token, err := c.rdb.Get(ctx, c.key(entityID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		c.logger.Warn("entity configuration cache read failed", zap.String("entity_id", entityID), zap.Error(err))
		return "", false
	}
	return token, true
}

// Set stores token for entityID until the TTL or exp, whichever is sooner.
// Statements that are already expired are not stored.
func (c *RedisCache) Set(ctx context.Context, entityID, token string, exp time.Time) {
	ttl := c.ttl
	if !exp.IsZero() {
		if until := exp.Sub(c.now()); until < ttl {
			ttl = until
		}
	}
	if ttl <= 0 {
		return
	}
	if err := c.rdb.Set(ctx, c.key(entityID), token, ttl).Err(); err != nil {
		c.logger.Warn("entity configuration cache write failed", zap.String("entity_id", entityID), zap.Error(err))
	}
}

// Invalidate removes entityID from the cache.
func (c *RedisCache) Invalidate(ctx context.Context, entityID string) {
	if err := c.rdb.Del(ctx, c.key(entityID)).Err(); err != nil {
		c.logger.Warn("entity configuration cache delete failed", zap.String("entity_id", entityID), zap.Error(err))
	}
}
