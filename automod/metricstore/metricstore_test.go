package metricstore

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricStoreBounded(t *testing.T) {
	assert := assert.New(t)

	ms := New(3)
	for i := 0; i < 5; i++ {
		ms.Record("queue_depth", float64(i), nil)
	}
	assert.Equal(3, ms.Len("queue_depth"))

	latest, ok := ms.Latest("queue_depth")
	assert.True(ok)
	assert.Equal(4.0, latest.Value)

	all := ms.Since("queue_depth", time.Time{})
	assert.Equal([]float64{2, 3, 4}, []float64{all[0].Value, all[1].Value, all[2].Value})

	_, ok = ms.Latest("missing")
	assert.False(ok)
}

func TestMetricStoreSinceAndSummarize(t *testing.T) {
	assert := assert.New(t)

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	ms := New(100)
	ms.now = func() time.Time { return base.Add(10 * time.Second) }
	for i := 0; i < 10; i++ {
		ms.Append(Sample{Name: "latency_ms", Value: float64(i * 10), Timestamp: base.Add(time.Duration(i) * time.Second)})
	}

	recent := ms.Since("latency_ms", base.Add(7*time.Second))
	assert.Len(recent, 3)

	agg := ms.Summarize("latency_ms", 5*time.Second)
	assert.Equal(5, agg.Count)
	assert.Equal(50.0, agg.Min)
	assert.Equal(90.0, agg.Max)
	assert.Equal(70.0, agg.Avg)

	assert.Equal([]string{"latency_ms"}, ms.Names())
	assert.Equal(map[string]float64{"latency_ms": 90}, ms.LatestValues())
}

func TestMetricStoreConcurrentReaders(t *testing.T) {
	ms := New(50)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				ms.Record(fmt.Sprintf("m%d", w%2), float64(i), nil)
				ms.Latest("m0")
				ms.Since("m1", time.Time{})
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 50, ms.Len("m0"))
	assert.Equal(t, 50, ms.Len("m1"))
}

func TestCompare(t *testing.T) {
	assert := assert.New(t)

	for _, fix := range []struct {
		op  string
		out bool
	}{
		{OpGT, true},
		{OpGTE, true},
		{OpLT, false},
		{OpLTE, false},
		{OpEQ, false},
		{OpNEQ, true},
	} {
		ok, err := Compare(10, fix.op, 5)
		assert.NoError(err)
		assert.Equal(fix.out, ok, fix.op)
	}

	_, err := Compare(1, "~=", 1)
	assert.Error(err)
	assert.False(ValidOp("~="))
}
