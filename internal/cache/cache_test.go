package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct{ c redis.UniversalClient }

func (s staticSource) Get() redis.UniversalClient { return s.c }

// Runs against a real server when TEST_REDIS_ADDR is set.
func newTestCache(t *testing.T) *Cache {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { cl.Close() })
	return NewCache("test:"+uuid.NewString(), staticSource{cl})
}

func TestStoreGetFlush(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "31.2300,121.4700")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Store(ctx, "31.2300,121.4700", time.Minute, "Shanghai"))
	require.NoError(t, c.Store(ctx, "35.0100,135.7700", time.Minute, "Kyoto"))

	v, ok, err := c.Get(ctx, "31.2300,121.4700")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Shanghai", v)

	n, err := c.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok, err = c.Get(ctx, "35.0100,135.7700")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err = c.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
