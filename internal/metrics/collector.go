// Package metrics provides outcome counting and failure-rate tracking for the
// batching pipeline. The rate controller consumes the windowed failure rate;
// the all-time counters feed the end-of-run report.
package metrics

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Collector aggregates per-item outcomes.
//
// All rates are ratio-scaled (0.0 - 1.0). Admission rejections count as
// failures: the rate controller must see denied work the same way it sees
// downstream errors.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Collector interface {
	// RecordAccepted records that an item passed admission. Accepted items are
	// tracked for visibility only; they enter the failure-rate denominator once
	// they resolve.
	RecordAccepted()

	// RecordSuccess records a resolved item without a latency sample.
	RecordSuccess()

	// RecordLatency records a resolved item together with its
	// submit-to-resolution latency.
	RecordLatency(latency time.Duration)

	// RecordFailure records a failed item (backend failure).
	RecordFailure()

	// RecordRejection records an admission rejection. Counts as a failure.
	RecordRejection()

	// ErrorRate returns the failure rate over the sliding window.
	ErrorRate() float64

	// AllTimeErrorRate returns the failure rate since the collector started.
	AllTimeErrorRate() float64

	// AvgLatency returns the average latency over the window.
	AvgLatency() time.Duration

	// P95Latency returns the 95th percentile latency over the window.
	P95Latency() time.Duration

	// Stats returns a snapshot of all collected metrics.
	Stats() Stats

	// Reset clears all collected metrics.
	Reset()
}

// Stats contains a snapshot of collected metrics.
type Stats struct {
	// TotalItems is the total number of resolved or rejected items.
	TotalItems int64
	// TotalAccepted is the total number of items that passed admission.
	TotalAccepted int64
	// TotalSuccess is the total number of successfully resolved items.
	TotalSuccess int64
	// TotalFailures is the total number of failed items, rejections included.
	TotalFailures int64
	// TotalRejections is the total number of admission rejections.
	TotalRejections int64
	// WindowErrorRate is the failure rate over the sliding window (0.0 - 1.0).
	WindowErrorRate float64
	// AllTimeErrorRate is the failure rate since start (0.0 - 1.0).
	AllTimeErrorRate float64
	// AvgLatency is the average submit-to-resolution latency over the window.
	AvgLatency time.Duration
	// P50Latency is the 50th percentile latency over the window.
	P50Latency time.Duration
	// P95Latency is the 95th percentile latency over the window.
	P95Latency time.Duration
	// MaxLatency is the maximum latency over the window.
	MaxLatency time.Duration
	// ItemsPerSecond is the observed resolution rate over the window.
	ItemsPerSecond float64
}

// Config holds configuration for creating a collector.
type Config struct {
	// WindowSize is the duration of the sliding window (default: 10s).
	WindowSize time.Duration `yaml:"windowSize" json:"windowSize"`
	// BucketSize is the duration of each bucket (default: 1s).
	BucketSize time.Duration `yaml:"bucketSize" json:"bucketSize"`
}

// SlidingWindowCollector implements Collector using a bucketed sliding time
// window. Outcomes older than the window fall out of the failure rate, so a
// transient failure burst is forgotten once conditions recover.
//
// Thread Safety: Safe for concurrent use.
type SlidingWindowCollector struct {
	windowSize   time.Duration
	bucketSize   time.Duration
	buckets      []*bucket
	bucketCount  int
	currentIdx   int
	lastRotation time.Time
	mu           sync.RWMutex

	// All-time counters
	totalItems      atomic.Int64
	totalAccepted   atomic.Int64
	totalSuccess    atomic.Int64
	totalFailures   atomic.Int64
	totalRejections atomic.Int64

	// nowFunc for testing
	nowFunc func() time.Time
}

// bucket holds outcomes for a single time slice.
type bucket struct {
	latencies    []time.Duration
	successCount int64
	failureCount int64
	timestamp    time.Time
}

// NewSlidingWindowCollector creates a new sliding window collector.
func NewSlidingWindowCollector(config Config) *SlidingWindowCollector {
	if config.WindowSize <= 0 {
		config.WindowSize = 10 * time.Second
	}
	if config.BucketSize <= 0 {
		config.BucketSize = time.Second
	}
	if config.BucketSize > config.WindowSize {
		config.BucketSize = config.WindowSize
	}

	bucketCount := max(1, int(config.WindowSize/config.BucketSize))

	c := &SlidingWindowCollector{
		windowSize:  config.WindowSize,
		bucketSize:  config.BucketSize,
		buckets:     make([]*bucket, bucketCount),
		bucketCount: bucketCount,
		nowFunc:     time.Now,
	}

	now := c.nowFunc()
	for i := range c.buckets {
		c.buckets[i] = &bucket{timestamp: now}
	}
	c.lastRotation = now

	return c
}

// NewCollector creates a collector with default configuration.
func NewCollector() Collector {
	return NewSlidingWindowCollector(Config{})
}

// WithNowFunc sets a custom time function for testing.
// IMPORTANT: not thread-safe; call during initialization only.
func (c *SlidingWindowCollector) WithNowFunc(fn func() time.Time) *SlidingWindowCollector {
	c.nowFunc = fn
	now := fn()
	for i := range c.buckets {
		c.buckets[i] = &bucket{timestamp: now}
	}
	c.lastRotation = now
	return c
}

// RecordAccepted implements Collector.RecordAccepted.
func (c *SlidingWindowCollector) RecordAccepted() {
	c.totalAccepted.Add(1)
}

// RecordSuccess implements Collector.RecordSuccess.
func (c *SlidingWindowCollector) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rotateLocked()
	c.buckets[c.currentIdx].successCount++
	c.totalSuccess.Add(1)
	c.totalItems.Add(1)
}

// RecordLatency implements Collector.RecordLatency.
func (c *SlidingWindowCollector) RecordLatency(latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rotateLocked()
	b := c.buckets[c.currentIdx]
	b.latencies = append(b.latencies, latency)
	b.successCount++
	c.totalSuccess.Add(1)
	c.totalItems.Add(1)
}

// RecordFailure implements Collector.RecordFailure.
func (c *SlidingWindowCollector) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rotateLocked()
	c.buckets[c.currentIdx].failureCount++
	c.totalFailures.Add(1)
	c.totalItems.Add(1)
}

// RecordRejection implements Collector.RecordRejection.
func (c *SlidingWindowCollector) RecordRejection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rotateLocked()
	c.buckets[c.currentIdx].failureCount++
	c.totalRejections.Add(1)
	c.totalFailures.Add(1)
	c.totalItems.Add(1)
}

// ErrorRate implements Collector.ErrorRate.
func (c *SlidingWindowCollector) ErrorRate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var total, failed int64
	cutoff := c.nowFunc().Add(-c.windowSize)
	for _, b := range c.buckets {
		if b.timestamp.Before(cutoff) {
			continue
		}
		total += b.successCount + b.failureCount
		failed += b.failureCount
	}

	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}

// AllTimeErrorRate implements Collector.AllTimeErrorRate.
func (c *SlidingWindowCollector) AllTimeErrorRate() float64 {
	total := c.totalItems.Load()
	if total == 0 {
		return 0
	}
	return float64(c.totalFailures.Load()) / float64(total)
}

// AvgLatency implements Collector.AvgLatency.
func (c *SlidingWindowCollector) AvgLatency() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var sum time.Duration
	var count int64
	cutoff := c.nowFunc().Add(-c.windowSize)
	for _, b := range c.buckets {
		if b.timestamp.Before(cutoff) {
			continue
		}
		for _, lat := range b.latencies {
			sum += lat
			count++
		}
	}

	if count == 0 {
		return 0
	}
	return time.Duration(int64(sum) / count)
}

// P95Latency implements Collector.P95Latency.
func (c *SlidingWindowCollector) P95Latency() time.Duration {
	return c.percentileLatency(0.95)
}

// Stats implements Collector.Stats.
func (c *SlidingWindowCollector) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var all []time.Duration
	var total, failed int64
	cutoff := c.nowFunc().Add(-c.windowSize)
	var minTime, maxTime time.Time

	for _, b := range c.buckets {
		if b.timestamp.Before(cutoff) {
			continue
		}
		all = append(all, b.latencies...)
		total += b.successCount + b.failureCount
		failed += b.failureCount

		if minTime.IsZero() || b.timestamp.Before(minTime) {
			minTime = b.timestamp
		}
		if maxTime.IsZero() || b.timestamp.After(maxTime) {
			maxTime = b.timestamp
		}
	}

	stats := Stats{
		TotalItems:      c.totalItems.Load(),
		TotalAccepted:   c.totalAccepted.Load(),
		TotalSuccess:    c.totalSuccess.Load(),
		TotalFailures:   c.totalFailures.Load(),
		TotalRejections: c.totalRejections.Load(),
	}

	if total > 0 {
		stats.WindowErrorRate = float64(failed) / float64(total)
	}
	if stats.TotalItems > 0 {
		stats.AllTimeErrorRate = float64(stats.TotalFailures) / float64(stats.TotalItems)
	}

	if len(all) > 0 {
		slices.Sort(all)

		var sum time.Duration
		for _, lat := range all {
			sum += lat
		}
		stats.AvgLatency = time.Duration(int64(sum) / int64(len(all)))
		stats.MaxLatency = all[len(all)-1]
		stats.P50Latency = all[min(len(all)-1, int(float64(len(all))*0.5))]
		stats.P95Latency = all[min(len(all)-1, int(float64(len(all))*0.95))]
	}

	if !minTime.IsZero() && maxTime.After(minTime) {
		duration := maxTime.Sub(minTime)
		if duration > 0 {
			stats.ItemsPerSecond = float64(total) / duration.Seconds()
		}
	}

	return stats
}

// Reset implements Collector.Reset.
func (c *SlidingWindowCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	for i := range c.buckets {
		c.buckets[i] = &bucket{timestamp: now}
	}
	c.currentIdx = 0
	c.lastRotation = now
	c.totalItems.Store(0)
	c.totalAccepted.Store(0)
	c.totalSuccess.Store(0)
	c.totalFailures.Store(0)
	c.totalRejections.Store(0)
}

// percentileLatency returns the latency at the given percentile (0.0 - 1.0).
func (c *SlidingWindowCollector) percentileLatency(p float64) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var all []time.Duration
	cutoff := c.nowFunc().Add(-c.windowSize)
	for _, b := range c.buckets {
		if b.timestamp.Before(cutoff) {
			continue
		}
		all = append(all, b.latencies...)
	}

	if len(all) == 0 {
		return 0
	}

	slices.Sort(all)
	idx := int(float64(len(all)) * p)
	if idx >= len(all) {
		idx = len(all) - 1
	}
	return all[idx]
}

// rotateLocked advances the window if needed. Must be called with mu held.
func (c *SlidingWindowCollector) rotateLocked() {
	now := c.nowFunc()
	elapsed := now.Sub(c.lastRotation)

	toRotate := int(elapsed / c.bucketSize)
	if toRotate <= 0 {
		return
	}

	for range min(toRotate, c.bucketCount) {
		c.currentIdx = (c.currentIdx + 1) % c.bucketCount
		c.buckets[c.currentIdx] = &bucket{timestamp: now}
	}

	c.lastRotation = now
}

// Compile-time interface check
var _ Collector = (*SlidingWindowCollector)(nil)
