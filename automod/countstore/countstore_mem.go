package countstore

import (
	"context"
	"sync"
	"time"
)

// Day and hour buckets are never evicted; fine for tests and short-lived single-process deployments.
type MemCountStore struct {
	lk     *sync.Mutex
	Counts map[string]int
	now    func() time.Time
}

func NewMemCountStore() MemCountStore {
	return MemCountStore{
		lk:     &sync.Mutex{},
		Counts: make(map[string]int),
		now:    time.Now,
	}
}

func (s MemCountStore) GetCount(ctx context.Context, name, val, period string) (int, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.Counts[periodBucket(s.now(), name, val, period)], nil
}

func (s MemCountStore) Increment(ctx context.Context, name, val string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	now := s.now()
	for _, p := range allPeriods {
		s.Counts[periodBucket(now, name, val, p)]++
	}
	return nil
}

func (s MemCountStore) Reset(ctx context.Context, name, val string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	now := s.now()
	for _, p := range allPeriods {
		delete(s.Counts, periodBucket(now, name, val, p))
	}
	return nil
}
