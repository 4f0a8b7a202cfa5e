package cachestore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func exerciseCacheStore(t *testing.T, cs CacheStore) {
	assert := assert.New(t)
	ctx := context.Background()

	v, err := cs.Get(ctx, "task-result", "abc")
	assert.NoError(err)
	assert.Empty(v)

	assert.NoError(cs.Set(ctx, "task-result", "abc", `{"ok":true}`, 0))
	v, err = cs.Get(ctx, "task-result", "abc")
	assert.NoError(err)
	assert.Equal(`{"ok":true}`, v)

	// namespaces are independent
	v, err = cs.Get(ctx, "other", "abc")
	assert.NoError(err)
	assert.Empty(v)

	assert.NoError(cs.Purge(ctx, "task-result", "abc"))
	v, err = cs.Get(ctx, "task-result", "abc")
	assert.NoError(err)
	assert.Empty(v)

	// purging a missing key is not an error
	assert.NoError(cs.Purge(ctx, "task-result", "missing"))
}

func TestMemCacheStore(t *testing.T) {
	exerciseCacheStore(t, NewMemCacheStore(100, time.Hour))
}

func TestMemCacheStorePerEntryTTL(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cs := NewMemCacheStore(100, time.Hour)
	assert.NoError(cs.Set(ctx, "n", "short", "v1", 30*time.Millisecond))
	assert.NoError(cs.Set(ctx, "n", "long", "v2", 0))

	time.Sleep(50 * time.Millisecond)
	v, _ := cs.Get(ctx, "n", "short")
	assert.Empty(v)
	v, _ = cs.Get(ctx, "n", "long")
	assert.Equal("v2", v)
}

func TestRedisCacheStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	exerciseCacheStore(t, NewRedisCacheStoreFromClient(rdb, time.Hour))
}

func TestMemcacheExpiry(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(int32(0), memcacheExpiry(0))
	assert.Equal(int32(1), memcacheExpiry(100*time.Millisecond))
	assert.Equal(int32(60), memcacheExpiry(time.Minute))
	assert.Equal(int32(maxMemcacheRelativeExpiry), memcacheExpiry(90*24*time.Hour))
}
