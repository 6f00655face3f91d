// Package metrics provides Prometheus instrumentation for conversion
// pipelines: records decoded and written, batches sealed, byte volumes
// and per-stage latency.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsDecoded tracks records produced by source decoders.
	// Labels: format (source format name), status (success/failure)
	RecordsDecoded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geostream_records_decoded_total",
			Help: "Total number of records decoded from sources",
		},
		[]string{"format", "status"},
	)

	// RecordsWritten tracks records accepted by sinks.
	// Labels: format (target format name), status (success/failure)
	RecordsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geostream_records_written_total",
			Help: "Total number of records written to targets",
		},
		[]string{"format", "status"},
	)

	// BatchesSealed tracks batches handed from the accumulator to sinks
	BatchesSealed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geostream_batches_sealed_total",
			Help: "Total number of batches sealed",
		},
		[]string{"source", "target"},
	)

	// BytesRead tracks raw bytes consumed from sources, before
	// decompression
	BytesRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geostream_bytes_read_total",
			Help: "Total bytes read from sources",
		},
		[]string{"format"},
	)

	// BytesWritten tracks encoded bytes emitted to targets
	BytesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geostream_bytes_written_total",
			Help: "Total bytes written to targets",
		},
		[]string{"format"},
	)

	// StageLatency tracks the distribution of per-batch stage latencies
	// in nanoseconds. Labels: stage (decode/accumulate/write), format
	StageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "geostream_stage_latency_nanoseconds",
			Help: "Per-batch stage latency in nanoseconds",
			Buckets: []float64{
				1000,   // 1μs - memory operations
				10000,  // 10μs - fast I/O
				100000, // 100μs - buffered writes
				1e6,    // 1ms - standard batches
				1e7,    // 10ms - large batches
				1e8,    // 100ms - parquet row groups
				1e9,    // 1s - pathological input
			},
		},
		[]string{"stage", "format"},
	)

	// SchemaSampleRecords tracks how many records each inference pass
	// observed before committing to a schema
	SchemaSampleRecords = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "geostream_schema_sample_records",
			Help:    "Records observed per schema inference pass",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	// ActiveJobs tracks conversion jobs currently running
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geostream_active_jobs",
			Help: "Number of conversion jobs currently running",
		},
	)
)

// Timer measures one stage of a pipeline and reports it to StageLatency
type Timer struct {
	start  time.Time
	stage  string
	format string
}

// NewTimer starts timing a stage
func NewTimer(stage, format string) *Timer {
	return &Timer{start: time.Now(), stage: stage, format: format}
}

// Stop records the elapsed time and returns it
func (t *Timer) Stop() time.Duration {
	d := time.Since(t.start)
	StageLatency.WithLabelValues(t.stage, t.format).Observe(float64(d.Nanoseconds()))
	return d
}

// ThroughputTracker tracks records per second over a window.
// Thread-safe for concurrent use.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64
	lastReset time.Time
}

// NewThroughputTracker creates a tracker with the window starting now
func NewThroughputTracker() *ThroughputTracker {
	return &ThroughputTracker{lastReset: time.Now()}
}

// Increment adds n to the record count
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset returns the throughput since the last reset and starts a
// new window
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}
	throughput := float64(t.count) / elapsed

	t.count = 0
	t.lastReset = time.Now()
	return throughput
}
