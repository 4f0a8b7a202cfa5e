package metricstore

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultMaxSamples = 1000

type Sample struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// series is copy-on-write: readers load the current slice without locking, and the slice is never mutated after publication.
type series struct {
	samples atomic.Pointer[[]Sample]
}

func (s *series) load() []Sample {
	p := s.samples.Load()
	if p == nil {
		return nil
	}
	return *p
}

type MetricStore struct {
	maxSamples int
	now        func() time.Time

	// serializes writers; readers never take it
	lk     sync.Mutex
	series sync.Map // string -> *series
}

func New(maxSamples int) *MetricStore {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &MetricStore{
		maxSamples: maxSamples,
		now:        time.Now,
	}
}

// Record appends a sample stamped with the current time. Once a series holds maxSamples entries, the oldest is dropped.
func (ms *MetricStore) Record(name string, value float64, labels map[string]string) {
	ms.Append(Sample{
		Name:      name,
		Value:     value,
		Timestamp: ms.now(),
		Labels:    labels,
	})
}

func (ms *MetricStore) Append(smp Sample) {
	if smp.Timestamp.IsZero() {
		smp.Timestamp = ms.now()
	}
	ms.lk.Lock()
	defer ms.lk.Unlock()

	v, _ := ms.series.LoadOrStore(smp.Name, &series{})
	s := v.(*series)
	prev := s.load()

	start := 0
	if len(prev)+1 > ms.maxSamples {
		start = len(prev) + 1 - ms.maxSamples
	}
	next := make([]Sample, 0, len(prev)-start+1)
	next = append(next, prev[start:]...)
	next = append(next, smp)
	s.samples.Store(&next)
}

// Latest returns the most recent sample for a metric.
func (ms *MetricStore) Latest(name string) (Sample, bool) {
	v, ok := ms.series.Load(name)
	if !ok {
		return Sample{}, false
	}
	samples := v.(*series).load()
	if len(samples) == 0 {
		return Sample{}, false
	}
	return samples[len(samples)-1], true
}

// Since returns all retained samples with a timestamp at or after the given time, oldest first.
func (ms *MetricStore) Since(name string, since time.Time) []Sample {
	v, ok := ms.series.Load(name)
	if !ok {
		return nil
	}
	samples := v.(*series).load()
	idx := sort.Search(len(samples), func(i int) bool {
		return !samples[i].Timestamp.Before(since)
	})
	out := make([]Sample, len(samples)-idx)
	copy(out, samples[idx:])
	return out
}

func (ms *MetricStore) Len(name string) int {
	v, ok := ms.series.Load(name)
	if !ok {
		return 0
	}
	return len(v.(*series).load())
}

func (ms *MetricStore) Names() []string {
	var out []string
	ms.series.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}

// LatestValues returns the most recent value of every metric, keyed by name.
func (ms *MetricStore) LatestValues() map[string]float64 {
	out := make(map[string]float64)
	ms.series.Range(func(k, v any) bool {
		samples := v.(*series).load()
		if len(samples) > 0 {
			out[k.(string)] = samples[len(samples)-1].Value
		}
		return true
	})
	return out
}

type Aggregate struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

// Summarize aggregates the samples of a metric over the trailing window.
func (ms *MetricStore) Summarize(name string, window time.Duration) Aggregate {
	var agg Aggregate
	for i, s := range ms.Since(name, ms.now().Add(-window)) {
		if i == 0 || s.Value < agg.Min {
			agg.Min = s.Value
		}
		if i == 0 || s.Value > agg.Max {
			agg.Max = s.Value
		}
		agg.Sum += s.Value
		agg.Count++
	}
	if agg.Count > 0 {
		agg.Avg = agg.Sum / float64(agg.Count)
	}
	return agg
}
