package backpressure

import (
	"math"
	"sync"
)

// Aggregator combines multiple pressure sources into one signal by taking the
// maximum. Any single saturated resource is reason enough to throttle;
// averaging would hide a fully saturated resource behind idle ones.
//
// Thread Safety: Safe for concurrent use.
type Aggregator struct {
	mu      sync.RWMutex
	sources []Source
}

// NewAggregator creates an aggregator over the given sources.
func NewAggregator(sources ...Source) *Aggregator {
	return &Aggregator{sources: sources}
}

// Add registers an additional source.
func (a *Aggregator) Add(source Source) {
	if source == nil {
		return
	}
	a.mu.Lock()
	a.sources = append(a.sources, source)
	a.mu.Unlock()
}

// Level returns the maximum pressure across all sources, clamped to [0,1].
// An aggregator with no sources reads zero.
func (a *Aggregator) Level() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var level float64
	for _, s := range a.sources {
		l := s.Level()
		if math.IsNaN(l) {
			continue
		}
		if l > level {
			level = l
		}
	}
	return clamp01(level)
}

// Levels returns the current reading of every source by name, for diagnostics.
func (a *Aggregator) Levels() map[string]float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	levels := make(map[string]float64, len(a.sources))
	for _, s := range a.sources {
		levels[s.Name()] = clamp01(s.Level())
	}
	return levels
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
