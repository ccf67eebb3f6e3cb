package patient

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const referenceKeyPrefix = "cdss:ref:"

// RedisReferenceCache is a ReferenceCache shared by every server instance.
type RedisReferenceCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisReferenceCache returns a cache whose entries expire after ttl.
// A zero ttl keeps entries forever.
func NewRedisReferenceCache(client *redis.Client, ttl time.Duration) *RedisReferenceCache {
	return &RedisReferenceCache{client: client, ttl: ttl}
}

func referenceKey(kind Kind, value string) string {
	return referenceKeyPrefix + kind.Name + ":" + value
}

func (c *RedisReferenceCache) Get(ctx context.Context, kind Kind, value string) (uuid.UUID, bool, error) {
	raw, err := c.client.Get(ctx, referenceKey(kind, value)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, err
	}
	return id, true, nil
}

func (c *RedisReferenceCache) Put(ctx context.Context, kind Kind, value string, id uuid.UUID) error {
	return c.client.Set(ctx, referenceKey(kind, value), id.String(), c.ttl).Err()
}
