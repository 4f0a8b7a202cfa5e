package countstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisCountPrefix string = "count/"

type RedisCountStore struct {
	Client *redis.Client
}

var _ CountStore = (*RedisCountStore)(nil)

func NewRedisCountStore(redisURL string) (*RedisCountStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(context.TODO()).Result()
	if err != nil {
		return nil, err
	}
	return &RedisCountStore{Client: rdb}, nil
}

func (s *RedisCountStore) GetCount(ctx context.Context, name, val, period string) (int, error) {
	key := redisCountPrefix + periodBucket(time.Now(), name, val, period)
	c, err := s.Client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return c, nil
}

func (s *RedisCountStore) Increment(ctx context.Context, name, val string) error {
	now := time.Now()

	// increment all period buckets in a single redis round-trip
	multi := s.Client.Pipeline()

	key := redisCountPrefix + periodBucket(now, name, val, PeriodHour)
	multi.Incr(ctx, key)
	multi.Expire(ctx, key, 2*time.Hour)

	key = redisCountPrefix + periodBucket(now, name, val, PeriodDay)
	multi.Incr(ctx, key)
	multi.Expire(ctx, key, 48*time.Hour)

	// no expiration for total
	multi.Incr(ctx, redisCountPrefix+periodBucket(now, name, val, PeriodTotal))

	_, err := multi.Exec(ctx)
	return err
}

func (s *RedisCountStore) Reset(ctx context.Context, name, val string) error {
	now := time.Now()
	keys := make([]string, 0, len(allPeriods))
	for _, p := range allPeriods {
		keys = append(keys, redisCountPrefix+periodBucket(now, name, val, p))
	}
	return s.Client.Del(ctx, keys...).Err()
}
