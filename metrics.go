package crudkit

import (
	"sync"
	"time"
)

// BatchMetrics provides nested-batch performance and failure statistics.
type BatchMetrics struct {
	TotalBatches      int64         `json:"total_batches"`
	SuccessfulBatches int64         `json:"successful_batches"`
	FailedBatches     int64         `json:"failed_batches"`
	AverageDuration   time.Duration `json:"average_duration"`
	MaxDuration       time.Duration `json:"max_duration"`
	MinDuration       time.Duration `json:"min_duration"`
	LastReset         time.Time     `json:"last_reset"`
}

// batchMonitor holds the internal batch monitoring state.
type batchMonitor struct {
	mu            sync.Mutex
	totalCount    int64
	successCount  int64
	failureCount  int64
	totalDuration time.Duration
	maxDuration   time.Duration
	minDuration   time.Duration
	lastReset     time.Time
}

func newBatchMonitor() *batchMonitor {
	return &batchMonitor{
		minDuration: time.Hour, // Initialize to a large value
		lastReset:   time.Now(),
	}
}

// recordBatch records a batch completion with its duration and success
// status.
func (bm *batchMonitor) recordBatch(duration time.Duration, success bool) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	bm.totalCount++
	bm.totalDuration += duration

	if success {
		bm.successCount++
	} else {
		bm.failureCount++
	}

	if duration > bm.maxDuration {
		bm.maxDuration = duration
	}
	if duration < bm.minDuration {
		bm.minDuration = duration
	}
}

// getMetrics returns the current batch metrics.
func (bm *batchMonitor) getMetrics() BatchMetrics {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	var avg time.Duration
	if bm.totalCount > 0 {
		avg = bm.totalDuration / time.Duration(bm.totalCount)
	}

	return BatchMetrics{
		TotalBatches:      bm.totalCount,
		SuccessfulBatches: bm.successCount,
		FailedBatches:     bm.failureCount,
		AverageDuration:   avg,
		MaxDuration:       bm.maxDuration,
		MinDuration:       bm.minDuration,
		LastReset:         bm.lastReset,
	}
}

// reset resets all metrics.
func (bm *batchMonitor) reset() {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	bm.totalCount = 0
	bm.successCount = 0
	bm.failureCount = 0
	bm.totalDuration = 0
	bm.maxDuration = 0
	bm.minDuration = time.Hour
	bm.lastReset = time.Now()
}
