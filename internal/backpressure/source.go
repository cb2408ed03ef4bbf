// Package backpressure normalizes heterogeneous saturation signals into a
// single [0,1] pressure reading consumed by the rate controller.
package backpressure

import (
	"math"
)

// Source exposes a single normalized pressure reading. Readings are ephemeral:
// recomputed from live system state on every call, never stored.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Source interface {
	// Name identifies the source in diagnostics.
	Name() string

	// Level returns the current pressure in [0.0, 1.0].
	Level() float64
}

// DepthReader reports the current depth of a bounded queue.
type DepthReader interface {
	QueueDepth() int
}

// QueueDepthSource derives pressure from admission queue occupancy.
type QueueDepthSource struct {
	reader   DepthReader
	capacity int
}

// NewQueueDepthSource creates a queue depth source. capacity must match the
// queue's configured maximum size.
func NewQueueDepthSource(reader DepthReader, capacity int) *QueueDepthSource {
	if capacity < 1 {
		capacity = 1
	}
	return &QueueDepthSource{reader: reader, capacity: capacity}
}

// Name implements Source.Name.
func (s *QueueDepthSource) Name() string { return "queue_depth" }

// Level implements Source.Level.
func (s *QueueDepthSource) Level() float64 {
	depth := s.reader.QueueDepth()
	if depth <= 0 {
		return 0
	}
	return math.Min(1.0, float64(depth)/float64(s.capacity))
}

// OccupancyReader reports live occupancy of a bounded downstream resource.
type OccupancyReader interface {
	Capacity() int
	InUse() int
	Waiting() int
}

// Default shape of the pool occupancy curve. A single waiter lands above the
// controller's ramp-up watermark; a saturated pool with no waiters stays just
// below the ramp-down watermark.
const (
	waiterFloor        = 0.6
	utilizationCeiling = 0.6
)

// PoolOccupancySource derives pressure from a downstream resource pool.
//
// Waiting requesters are the primary signal: waiters mean actual contention,
// while high utilization alone may just be healthy throughput. The waiter
// count maps through a logarithmic scale so one waiter already registers
// material pressure instead of needing many to move the needle. Utilization
// is consulted only when nobody is waiting.
type PoolOccupancySource struct {
	reader OccupancyReader
}

// NewPoolOccupancySource creates a pool occupancy source.
func NewPoolOccupancySource(reader OccupancyReader) *PoolOccupancySource {
	return &PoolOccupancySource{reader: reader}
}

// Name implements Source.Name.
func (s *PoolOccupancySource) Name() string { return "pool_occupancy" }

// Level implements Source.Level.
func (s *PoolOccupancySource) Level() float64 {
	capacity := s.reader.Capacity()
	if capacity < 1 {
		return 0
	}

	if waiting := s.reader.Waiting(); waiting > 0 {
		scaled := math.Log1p(float64(waiting)) / math.Log1p(float64(capacity))
		return math.Min(1.0, waiterFloor+(1.0-waiterFloor)*scaled)
	}

	utilization := float64(s.reader.InUse()) / float64(capacity)
	if utilization < 0 {
		return 0
	}
	return math.Min(1.0, utilization) * utilizationCeiling
}

// LevelFunc adapts a plain function into a Source.
type LevelFunc struct {
	SourceName string
	Fn         func() float64
}

// Name implements Source.Name.
func (f LevelFunc) Name() string { return f.SourceName }

// Level implements Source.Level.
func (f LevelFunc) Level() float64 { return f.Fn() }
