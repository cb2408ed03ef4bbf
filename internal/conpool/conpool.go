// Package conpool provides a bounded slot pool modeling a downstream resource
// of finite capacity, such as a database connection pool. Occupancy and
// waiter counts are exposed as live readings for backpressure sources.
package conpool

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// Errors returned by the conpool package.
var (
	// ErrPoolClosed is returned when acquiring from a closed pool.
	ErrPoolClosed = errors.New("conpool: pool is closed")
	// ErrInvalidCapacity is returned when the configured capacity is not positive.
	ErrInvalidCapacity = errors.New("conpool: capacity must be at least 1")
)

// Config holds configuration for the pool.
type Config struct {
	// Capacity is the number of slots in the pool.
	Capacity int `yaml:"capacity" json:"capacity"`
}

// Stats contains statistics about pool usage.
type Stats struct {
	// Capacity is the configured number of slots.
	Capacity int
	// InUse is the number of slots currently held.
	InUse int
	// Waiting is the number of goroutines blocked in Acquire.
	Waiting int
	// TotalAcquired is the total number of successful acquisitions.
	TotalAcquired int64
	// TotalCancelled is the number of Acquire calls abandoned via context.
	TotalCancelled int64
	// AvgWaitTime is the average time spent waiting in Acquire.
	AvgWaitTime time.Duration
}

// Pool is a counting-semaphore slot pool.
//
// Thread Safety: Safe for concurrent use.
type Pool struct {
	slots    chan struct{}
	capacity int
	closed   atomic.Bool

	inUse   atomic.Int64
	waiting atomic.Int64

	totalAcquired  atomic.Int64
	totalCancelled atomic.Int64
	totalWaitTime  atomic.Int64 // nanoseconds
	waitCount      atomic.Int64
}

// New creates a pool with the given capacity.
func New(config Config) (*Pool, error) {
	if config.Capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	return &Pool{
		slots:    make(chan struct{}, config.Capacity),
		capacity: config.Capacity,
	}, nil
}

// Acquire blocks until a slot is available or the context is cancelled.
// Every successful Acquire must be paired with a Release.
func (p *Pool) Acquire(ctx context.Context) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	start := time.Now()
	p.waiting.Add(1)
	defer p.waiting.Add(-1)

	select {
	case p.slots <- struct{}{}:
		p.inUse.Add(1)
		p.totalAcquired.Add(1)
		p.totalWaitTime.Add(int64(time.Since(start)))
		p.waitCount.Add(1)
		return nil
	case <-ctx.Done():
		p.totalCancelled.Add(1)
		return ctx.Err()
	}
}

// TryAcquire attempts to take a slot without blocking.
func (p *Pool) TryAcquire() bool {
	if p.closed.Load() {
		return false
	}
	select {
	case p.slots <- struct{}{}:
		p.inUse.Add(1)
		p.totalAcquired.Add(1)
		return true
	default:
		return false
	}
}

// Release returns a slot to the pool.
func (p *Pool) Release() {
	select {
	case <-p.slots:
		p.inUse.Add(-1)
	default:
		// Release without a matching Acquire
	}
}

// Capacity returns the configured number of slots.
func (p *Pool) Capacity() int {
	return p.capacity
}

// InUse returns the number of slots currently held.
func (p *Pool) InUse() int {
	return int(p.inUse.Load())
}

// Waiting returns the number of goroutines blocked in Acquire.
func (p *Pool) Waiting() int {
	return int(p.waiting.Load())
}

// Close marks the pool closed. Held slots may still be released.
func (p *Pool) Close() {
	p.closed.Store(true)
}

// Stats returns statistics about pool usage.
func (p *Pool) Stats() Stats {
	totalWait := p.totalWaitTime.Load()
	waitCnt := p.waitCount.Load()

	var avgWait time.Duration
	if waitCnt > 0 {
		avgWait = time.Duration(totalWait / waitCnt)
	}

	return Stats{
		Capacity:       p.capacity,
		InUse:          p.InUse(),
		Waiting:        p.Waiting(),
		TotalAcquired:  p.totalAcquired.Load(),
		TotalCancelled: p.totalCancelled.Load(),
		AvgWaitTime:    avgWait,
	}
}
