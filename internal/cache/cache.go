package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Source hands out the current client. The redis holder swaps clients on
// reconnect, so the cache never keeps one.
type Source interface {
	Get() redis.UniversalClient
}

type Cache struct {
	Redis     Source
	Namespace string
}

// Create namespaced cache
func NewCache(namespace string, src Source) *Cache {
	return &Cache{
		Namespace: namespace,
		Redis:     src,
	}
}

func (c *Cache) key(k string) string {
	return c.Namespace + ":" + k
}

// Get value from Redis. A missing key is reported as ok=false with no error.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.Redis.Get().Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Store data to Redis
func (c *Cache) Store(ctx context.Context, key string, ttl time.Duration, value string) error {
	return c.Redis.Get().Set(ctx, c.key(key), value, ttl).Err()
}

// Flush removes every key of the namespace and reports how many were
// deleted.
func (c *Cache) Flush(ctx context.Context) (int, error) {
	cl := c.Redis.Get()
	iter := cl.Scan(ctx, 0, c.Namespace+":*", 500).Iterator()

	//using pipeline to delete keys efficiently
	pl := cl.Pipeline()
	n := 0
	for iter.Next(ctx) {
		pl.Del(ctx, iter.Val())
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	if _, err := pl.Exec(ctx); err != nil {
		return 0, err
	}
	return n, nil
}
