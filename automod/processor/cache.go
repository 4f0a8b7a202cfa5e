package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const cacheName = "processor"

// Cache-aside helper: returns the cached value for key if present, otherwise computes it with fn, stores it for ttl and returns it. Values must be non-empty. Cache read and write failures are logged and fall through to fn.
func (p *Processor) ProcessWithCache(ctx context.Context, key string, fn func(ctx context.Context) (string, error), ttl time.Duration) (string, error) {
	if p.cache != nil {
		v, err := p.cache.Get(ctx, cacheName, key)
		if err != nil {
			p.Logger.Warn("cache read failed", "key", key, "err", err)
		} else if v != "" {
			cacheLookups.WithLabelValues("hit").Inc()
			return v, nil
		}
	}
	cacheLookups.WithLabelValues("miss").Inc()

	v, err := fn(ctx)
	if err != nil {
		return "", err
	}
	if p.cache != nil && v != "" {
		if err := p.cache.Set(ctx, cacheName, key, v, ttl); err != nil {
			p.Logger.Warn("cache write failed", "key", key, "err", err)
		}
	}
	return v, nil
}

// Typed variant of ProcessWithCache; values are stored as JSON.
func CachedJSON[T any](ctx context.Context, p *Processor, key string, ttl time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	raw, err := p.ProcessWithCache(ctx, key, func(ctx context.Context) (string, error) {
		v, err := fn(ctx)
		if err != nil {
			return "", err
		}
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}, ttl)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, fmt.Errorf("decoding cached value for %s: %w", key, err)
	}
	return out, nil
}
