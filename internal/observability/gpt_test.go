package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGPTObserverSummarize(t *testing.T) {
	o := NewGPTObserver(100)
	now := time.Now()

	o.Record(GPTSample{CallSID: "CA1", LatencyMs: 1000, ToolLoops: 1, Consistency: 0.9, At: now.Add(-5 * time.Minute)})
	o.Record(GPTSample{CallSID: "CA2", LatencyMs: 3000, ToolLoops: 3, Consistency: 0.7, Failed: true, At: now.Add(-2 * time.Minute)})
	o.Record(GPTSample{CallSID: "CA3", LatencyMs: 2000, At: now.Add(-3 * time.Hour)})

	s := o.Summarize(60, now)
	assert.Equal(t, 2, s.Turns, "sample outside the window excluded")
	assert.Equal(t, 1, s.Failures)
	assert.Equal(t, int64(2000), s.AvgLatencyMs)
	assert.Equal(t, int64(3000), s.P95LatencyMs)
	assert.InDelta(t, 2.0, s.AvgToolLoops, 0.001)
	assert.InDelta(t, 0.8, s.AvgConsistency, 0.001)
}

func TestGPTObserverWindowClamps(t *testing.T) {
	o := NewGPTObserver(10)
	s := o.Summarize(0, time.Now())
	assert.Equal(t, 1, s.WindowMinutes)
	s = o.Summarize(10_000, time.Now())
	assert.Equal(t, 1440, s.WindowMinutes)
}

func TestGPTObserverBoundedRetention(t *testing.T) {
	o := NewGPTObserver(3)
	now := time.Now()
	for i := 0; i < 10; i++ {
		o.Record(GPTSample{LatencyMs: int64(i), At: now})
	}
	s := o.Summarize(60, now)
	assert.Equal(t, 3, s.Turns)
}
