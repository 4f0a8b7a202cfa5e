package ratelimit

import (
	"sync"
	"time"

	"github.com/RussellLuo/slidingwindow"
)

func windowFunc() (slidingwindow.Window, slidingwindow.StopFunc) {
	return slidingwindow.NewLocalWindow()
}

// Quota holds one sliding-window counter per key, created lazily.
type Quota struct {
	size  time.Duration
	limit int64

	lk       sync.Mutex
	limiters map[string]*slidingwindow.Limiter
}

func NewQuota(size time.Duration, limit int64) *Quota {
	return &Quota{
		size:     size,
		limit:    limit,
		limiters: make(map[string]*slidingwindow.Limiter),
	}
}

func (q *Quota) getOrCreate(key string) *slidingwindow.Limiter {
	q.lk.Lock()
	defer q.lk.Unlock()
	lim, ok := q.limiters[key]
	if !ok {
		lim, _ = slidingwindow.NewLimiter(q.size, q.limit, windowFunc)
		q.limiters[key] = lim
	}
	return lim
}

// Allow counts one request against the key. A non-positive limit disables the quota.
func (q *Quota) Allow(key string) bool {
	if q.limit <= 0 {
		return true
	}
	return q.getOrCreate(key).Allow()
}

// SetLimit changes the limit for all existing and future keys.
func (q *Quota) SetLimit(limit int64) {
	q.lk.Lock()
	defer q.lk.Unlock()
	q.limit = limit
	for _, lim := range q.limiters {
		lim.SetLimit(limit)
	}
}
