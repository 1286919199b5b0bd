package batch

import (
	"sync"
	"time"
)

// Metrics is a point-in-time snapshot of batch processing counters
type Metrics struct {
	TotalOperations int64         `json:"total_operations"`
	Succeeded       int64         `json:"succeeded"`
	Failed          int64         `json:"failed"`
	Dropped         int64         `json:"dropped"`
	Batches         int64         `json:"batches"`
	Retries         int64         `json:"retries"`
	AvgBatchTime    time.Duration `json:"avg_batch_time"`
	RetryRate       float64       `json:"retry_rate"`
	Throughput      float64       `json:"throughput_ops_per_sec"`
}

// metricsState accumulates counters behind a mutex
type metricsState struct {
	mu            sync.Mutex
	total         int64
	succeeded     int64
	failed        int64
	dropped       int64
	batches       int64
	retries       int64
	totalDuration time.Duration
}

func (m *metricsState) recordBatch(size int, failed int, retries int64, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total += int64(size)
	m.succeeded += int64(size - failed)
	m.failed += int64(failed)
	m.batches++
	m.retries += retries
	m.totalDuration += elapsed
}

func (m *metricsState) recordDropped(n int) {
	m.mu.Lock()
	m.dropped += int64(n)
	m.mu.Unlock()
}

func (m *metricsState) snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Metrics{
		TotalOperations: m.total,
		Succeeded:       m.succeeded,
		Failed:          m.failed,
		Dropped:         m.dropped,
		Batches:         m.batches,
		Retries:         m.retries,
	}

	if m.batches > 0 {
		out.AvgBatchTime = m.totalDuration / time.Duration(m.batches)
	}
	if m.total > 0 {
		out.RetryRate = float64(m.retries) / float64(m.total)
	}
	if secs := m.totalDuration.Seconds(); secs > 0 {
		out.Throughput = float64(m.total) / secs
	}

	return out
}

func (m *metricsState) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total = 0
	m.succeeded = 0
	m.failed = 0
	m.dropped = 0
	m.batches = 0
	m.retries = 0
	m.totalDuration = 0
}
