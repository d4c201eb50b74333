package webhook

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

const dedupKeyPrefix = "webhook:dedup:"

// DedupStore remembers delivery keys for a fixed TTL.
type DedupStore interface {
	// Acquire atomically marks the key present and reports whether this
	// caller was first (set-if-not-exists semantics).
	Acquire(ctx context.Context, key string) (bool, error)
}

// RedisDedup backs the dedup store with Redis SETNX plus a TTL, so keys age
// out on their own.
type RedisDedup struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisDedup(rdb *redis.Client, ttl time.Duration) *RedisDedup {
	return &RedisDedup{rdb: rdb, ttl: ttl}
}

func (d *RedisDedup) Acquire(ctx context.Context, key string) (bool, error) {
	return d.rdb.SetNX(ctx, dedupKeyPrefix+key, "processed", d.ttl).Result()
}
