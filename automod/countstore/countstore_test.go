package countstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func exerciseCountStore(t *testing.T, cs CountStore) {
	assert := assert.New(t)
	ctx := context.Background()

	c, err := cs.GetCount(ctx, "forum-posts", "author1", PeriodTotal)
	assert.NoError(err)
	assert.Equal(0, c)
	assert.NoError(cs.Increment(ctx, "forum-posts", "author1"))
	assert.NoError(cs.Increment(ctx, "forum-posts", "author1"))

	for _, period := range allPeriods {
		c, err = cs.GetCount(ctx, "forum-posts", "author1", period)
		assert.NoError(err)
		assert.Equal(2, c)
	}

	assert.NoError(cs.Reset(ctx, "forum-posts", "author1"))
	c, err = cs.GetCount(ctx, "forum-posts", "author1", PeriodHour)
	assert.NoError(err)
	assert.Equal(0, c)
}

func TestMemCountStoreBasics(t *testing.T) {
	exerciseCountStore(t, NewMemCountStore())
}

func TestRedisCountStoreBasics(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	exerciseCountStore(t, &RedisCountStore{Client: rdb})
}

func TestMemCountStoreHourBuckets(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cs := NewMemCountStore()
	now := time.Date(2024, 3, 1, 10, 59, 0, 0, time.UTC)
	cs.now = func() time.Time { return now }

	assert.NoError(cs.Increment(ctx, "n", "v"))
	now = now.Add(2 * time.Minute)
	assert.NoError(cs.Increment(ctx, "n", "v"))

	c, _ := cs.GetCount(ctx, "n", "v", PeriodHour)
	assert.Equal(1, c)
	c, _ = cs.GetCount(ctx, "n", "v", PeriodDay)
	assert.Equal(2, c)
}

func TestMemCountStoreConcurrent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cs := NewMemCountStore()

	var wg sync.WaitGroup
	fnInc := func(name, val string, times int) {
		defer wg.Done()
		for i := 0; i < times; i++ {
			assert.NoError(cs.Increment(ctx, name, val))
			_, err := cs.GetCount(ctx, name, val, PeriodTotal)
			assert.NoError(err)
		}
	}
	wg.Add(4)
	go fnInc("test1", "val1", 10)
	go fnInc("test1", "val1", 10)
	go fnInc("test2", "val2", 6)
	go fnInc("test2", "val2", 6)
	wg.Wait()

	c, err := cs.GetCount(ctx, "test1", "val1", PeriodTotal)
	assert.NoError(err)
	assert.Equal(20, c)
	c, err = cs.GetCount(ctx, "test2", "val2", PeriodTotal)
	assert.NoError(err)
	assert.Equal(12, c)
}
