package backpressure

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func constSource(name string, level float64) Source {
	return LevelFunc{SourceName: name, Fn: func() float64 { return level }}
}

func TestAggregator_MaxOfSources(t *testing.T) {
	t.Parallel()

	agg := NewAggregator(
		constSource("a", 0.2),
		constSource("b", 0.9),
		constSource("c", 0.5),
	)

	assert.Equal(t, 0.9, agg.Level())
}

func TestAggregator_NoSources(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.0, NewAggregator().Level())
}

func TestAggregator_ClampsOutOfRange(t *testing.T) {
	t.Parallel()

	t.Run("above one", func(t *testing.T) {
		t.Parallel()
		agg := NewAggregator(constSource("hot", 3.5))
		assert.Equal(t, 1.0, agg.Level())
	})

	t.Run("below zero", func(t *testing.T) {
		t.Parallel()
		agg := NewAggregator(constSource("cold", -2), constSource("warm", 0.4))
		assert.Equal(t, 0.4, agg.Level())
	})

	t.Run("NaN skipped", func(t *testing.T) {
		t.Parallel()
		agg := NewAggregator(constSource("broken", math.NaN()), constSource("ok", 0.3))
		assert.Equal(t, 0.3, agg.Level())
	})
}

func TestAggregator_Add(t *testing.T) {
	t.Parallel()

	agg := NewAggregator(constSource("a", 0.1))
	assert.Equal(t, 0.1, agg.Level())

	agg.Add(constSource("b", 0.8))
	assert.Equal(t, 0.8, agg.Level())
}

func TestAggregator_Levels(t *testing.T) {
	t.Parallel()

	agg := NewAggregator(constSource("a", 0.2), constSource("b", 0.7))
	levels := agg.Levels()
	assert.Equal(t, map[string]float64{"a": 0.2, "b": 0.7}, levels)
}

// stubDepth implements DepthReader.
type stubDepth int

func (s stubDepth) QueueDepth() int { return int(s) }

func TestQueueDepthSource_Level(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		depth    int
		capacity int
		want     float64
	}{
		{"empty", 0, 100, 0},
		{"negative depth", -5, 100, 0},
		{"half full", 50, 100, 0.5},
		{"full", 100, 100, 1.0},
		{"over capacity clamps", 150, 100, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			src := NewQueueDepthSource(stubDepth(tt.depth), tt.capacity)
			assert.InDelta(t, tt.want, src.Level(), 1e-9)
		})
	}
}

// stubPool implements OccupancyReader.
type stubPool struct {
	capacity int
	inUse    int
	waiting  int
}

func (s stubPool) Capacity() int { return s.capacity }
func (s stubPool) InUse() int    { return s.inUse }
func (s stubPool) Waiting() int  { return s.waiting }

func TestPoolOccupancySource_Level(t *testing.T) {
	t.Parallel()

	t.Run("idle pool", func(t *testing.T) {
		t.Parallel()
		src := NewPoolOccupancySource(stubPool{capacity: 8})
		assert.Equal(t, 0.0, src.Level())
	})

	t.Run("utilization without waiters stays below ramp-down pressure", func(t *testing.T) {
		t.Parallel()
		src := NewPoolOccupancySource(stubPool{capacity: 8, inUse: 8})
		assert.InDelta(t, 0.6, src.Level(), 1e-9)
	})

	t.Run("half utilization", func(t *testing.T) {
		t.Parallel()
		src := NewPoolOccupancySource(stubPool{capacity: 8, inUse: 4})
		assert.InDelta(t, 0.3, src.Level(), 1e-9)
	})

	t.Run("single waiter registers material pressure", func(t *testing.T) {
		t.Parallel()
		src := NewPoolOccupancySource(stubPool{capacity: 8, inUse: 8, waiting: 1})
		level := src.Level()
		assert.Greater(t, level, 0.6)
		assert.LessOrEqual(t, level, 1.0)
	})

	t.Run("many waiters approach saturation", func(t *testing.T) {
		t.Parallel()
		src := NewPoolOccupancySource(stubPool{capacity: 8, inUse: 8, waiting: 64})
		assert.Equal(t, 1.0, src.Level())
	})

	t.Run("waiter pressure grows monotonically", func(t *testing.T) {
		t.Parallel()
		prev := 0.0
		for waiting := 1; waiting <= 8; waiting++ {
			src := NewPoolOccupancySource(stubPool{capacity: 8, inUse: 8, waiting: waiting})
			level := src.Level()
			assert.Greater(t, level, prev, "waiting=%d", waiting)
			prev = level
		}
	})

	t.Run("zero capacity", func(t *testing.T) {
		t.Parallel()
		src := NewPoolOccupancySource(stubPool{})
		assert.Equal(t, 0.0, src.Level())
	})
}
