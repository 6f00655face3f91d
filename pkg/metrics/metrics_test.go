package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThroughputTracker(t *testing.T) {
	tr := NewThroughputTracker()
	tr.Increment(100)
	tr.Increment(50)
	time.Sleep(10 * time.Millisecond)

	rate := tr.GetAndReset()
	assert.Greater(t, rate, 0.0)

	// The window restarts empty.
	time.Sleep(time.Millisecond)
	assert.Equal(t, 0.0, tr.GetAndReset())
}

func TestTimerRecordsElapsed(t *testing.T) {
	timer := NewTimer("decode", "geojson")
	time.Sleep(time.Millisecond)
	d := timer.Stop()
	assert.GreaterOrEqual(t, d, time.Millisecond)
}
