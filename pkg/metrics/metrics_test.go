package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTimer_Stop(t *testing.T) {
	timer := NewTimer("convert")
	time.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, timer.Stop(), 5*time.Millisecond)
}

func TestThroughputTracker(t *testing.T) {
	tracker := NewThroughputTracker()
	tracker.Increment(10)
	time.Sleep(10 * time.Millisecond)

	got := tracker.GetAndReset()
	assert.Greater(t, got, 0.0)
	assert.InDelta(t, got, testutil.ToFloat64(Throughput), 0.0001)

	tracker.Increment(0)
	assert.LessOrEqual(t, tracker.GetAndReset(), 0.0+1e-9)
}

func TestOutcomes_Labels(t *testing.T) {
	before := testutil.ToFloat64(Outcomes.WithLabelValues("failure", "upload", "http_status"))
	Outcomes.WithLabelValues("failure", "upload", "http_status").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(Outcomes.WithLabelValues("failure", "upload", "http_status")))
}
