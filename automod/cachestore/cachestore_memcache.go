package cachestore

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// memcached treats expirations over 30 days as absolute unix timestamps
const maxMemcacheRelativeExpiry = (30 * 24 * 60 * 60) - 60

type MemcacheCacheStore struct {
	Client *memcache.Client
	TTL    time.Duration
}

var _ CacheStore = (*MemcacheCacheStore)(nil)

func NewMemcacheCacheStore(servers []string, ttl time.Duration) *MemcacheCacheStore {
	return &MemcacheCacheStore{
		Client: memcache.New(servers...),
		TTL:    ttl,
	}
}

func memcacheKey(name, key string) string {
	return "cache/" + name + "/" + key
}

func memcacheExpiry(ttl time.Duration) int32 {
	if ttl <= 0 {
		return 0
	}
	secs := math.Ceil(ttl.Seconds())
	if secs > maxMemcacheRelativeExpiry {
		secs = maxMemcacheRelativeExpiry
	}
	return int32(secs)
}

func (s *MemcacheCacheStore) Get(ctx context.Context, name, key string) (string, error) {
	item, err := s.Client.Get(memcacheKey(name, key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(item.Value), nil
}

func (s *MemcacheCacheStore) Set(ctx context.Context, name, key string, val string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.TTL
	}
	return s.Client.Set(&memcache.Item{
		Key:        memcacheKey(name, key),
		Value:      []byte(val),
		Expiration: memcacheExpiry(ttl),
	})
}

func (s *MemcacheCacheStore) Purge(ctx context.Context, name, key string) error {
	err := s.Client.Delete(memcacheKey(name, key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	return err
}
