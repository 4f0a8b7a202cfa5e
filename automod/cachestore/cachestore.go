package cachestore

import (
	"context"
	"time"
)

// Get returns an empty string on a cache miss; callers store non-empty (eg, JSON-encoded) values.
//
// A zero or negative ttl on Set means the store's default TTL.
type CacheStore interface {
	Get(ctx context.Context, name, key string) (string, error)
	Set(ctx context.Context, name, key string, val string, ttl time.Duration) error
	Purge(ctx context.Context, name, key string) error
}
