// Admission control for task submission.
//
// Limiter is an exact sliding-log limiter: it keeps the timestamp of every admitted request in the trailing window. Quota keeps approximate sliding-window counters per key (eg, per submitter).
package ratelimit

import (
	"sync"
	"time"
)

type Limiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	lk     sync.Mutex
	stamps []time.Time
}

func NewLimiter(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// purge drops timestamps that fell out of the window. Caller must hold lk.
func (l *Limiter) purge(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}

// Allow admits the request if fewer than limit requests were admitted in the trailing window. A non-positive limit disables the limiter.
func (l *Limiter) Allow() bool {
	if l.limit <= 0 {
		return true
	}
	l.lk.Lock()
	defer l.lk.Unlock()

	now := l.now()
	l.purge(now)
	if len(l.stamps) >= l.limit {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}

// Remaining reports how many requests would currently be admitted.
func (l *Limiter) Remaining() int {
	if l.limit <= 0 {
		return -1
	}
	l.lk.Lock()
	defer l.lk.Unlock()
	l.purge(l.now())
	return l.limit - len(l.stamps)
}

func (l *Limiter) Limit() int {
	return l.limit
}

func (l *Limiter) Window() time.Duration {
	return l.window
}
