package cachestore

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type memEntry struct {
	val     string
	expires time.Time
}

// MemCacheStore bounds entries by count and by a maximum TTL; shorter per-entry TTLs are checked on read.
type MemCacheStore struct {
	Data       *expirable.LRU[string, memEntry]
	DefaultTTL time.Duration
}

var _ CacheStore = (*MemCacheStore)(nil)

func NewMemCacheStore(capacity int, ttl time.Duration) MemCacheStore {
	return MemCacheStore{
		Data:       expirable.NewLRU[string, memEntry](capacity, nil, ttl),
		DefaultTTL: ttl,
	}
}

func (s MemCacheStore) Get(ctx context.Context, name, key string) (string, error) {
	k := name + "/" + key
	v, ok := s.Data.Get(k)
	if !ok {
		return "", nil
	}
	if !v.expires.IsZero() && time.Now().After(v.expires) {
		s.Data.Remove(k)
		return "", nil
	}
	return v.val, nil
}

func (s MemCacheStore) Set(ctx context.Context, name, key string, val string, ttl time.Duration) error {
	e := memEntry{val: val}
	if ttl > 0 && (s.DefaultTTL <= 0 || ttl < s.DefaultTTL) {
		e.expires = time.Now().Add(ttl)
	}
	s.Data.Add(name+"/"+key, e)
	return nil
}

func (s MemCacheStore) Purge(ctx context.Context, name, key string) error {
	s.Data.Remove(name + "/" + key)
	return nil
}
