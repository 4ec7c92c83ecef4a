package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTimer_DurationGrows(t *testing.T) {
	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, timer.Duration(), 5*time.Millisecond)
}

func TestTimer_ObserveDurationVecRecordsSample(t *testing.T) {
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "test_timer_observe_seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"shard"})

	assert.Equal(t, 0, testutil.CollectAndCount(hist))

	timer := NewTimer()
	timer.ObserveDurationVec(hist, "shard-1")

	assert.Equal(t, 1, testutil.CollectAndCount(hist))
}

func TestTimer_ObserveDurationRecordsSample(t *testing.T) {
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_timer_plain_seconds",
		Buckets: prometheus.DefBuckets,
	})

	NewTimer().ObserveDuration(hist)
	assert.Equal(t, 1, testutil.CollectAndCount(hist))
}

func TestHandler_IsServable(t *testing.T) {
	assert.NotNil(t, Handler())
}
