package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Tasks are stored as JSON in a redis list; RPUSH on enqueue and LPOP on dequeue keep FIFO order across processes.
type RedisQueue struct {
	Client *redis.Client
	Key    string
}

var _ Queue = (*RedisQueue)(nil)

func NewRedisQueue(redisURL, name string) (*RedisQueue, error) {
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
	return NewRedisQueueFromClient(rdb, name), nil
}

func NewRedisQueueFromClient(rdb *redis.Client, name string) *RedisQueue {
	return &RedisQueue{
		Client: rdb,
		Key:    "taskqueue/" + name,
	}
}

func (q *RedisQueue) Push(ctx context.Context, t *Task) error {
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", t.ID, err)
	}
	return q.Client.RPush(ctx, q.Key, b).Err()
}

func (q *RedisQueue) Pop(ctx context.Context) (*Task, error) {
	b, err := q.Client.LPop(ctx, q.Key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("decoding queued task: %w", err)
	}
	return &t, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.Client.LLen(ctx, q.Key).Result()
	return int(n), err
}

func (q *RedisQueue) Clear(ctx context.Context) (int, error) {
	multi := q.Client.TxPipeline()
	l := multi.LLen(ctx, q.Key)
	multi.Del(ctx, q.Key)
	if _, err := multi.Exec(ctx); err != nil {
		return 0, err
	}
	return int(l.Val()), nil
}
