// Package simbackend provides a simulated downstream backend for exercising
// the pipeline without a real database. Each batch dispatch occupies one
// connection-pool slot for a configurable service time and fails items with a
// configurable probability.
package simbackend

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/example/batchpipe/internal/batcher"
	"github.com/example/batchpipe/internal/conpool"
)

// Config holds configuration for the simulated backend.
type Config struct {
	// BaseLatency is the fixed service time per batch (default: 5ms).
	BaseLatency time.Duration `yaml:"baseLatency" json:"baseLatency"`

	// LatencyJitter is the maximum random latency added per batch (default: 0).
	LatencyJitter time.Duration `yaml:"latencyJitter,omitempty" json:"latencyJitter,omitempty"`

	// FailureRate is the per-item failure probability in [0,1] (default: 0).
	FailureRate float64 `yaml:"failureRate,omitempty" json:"failureRate,omitempty"`

	// Seed seeds the random source; zero means nondeterministic.
	Seed uint64 `yaml:"seed,omitempty" json:"seed,omitempty"`
}

// Backend is a batcher.Backend bound to a connection pool. One pool slot is
// held for the duration of each batch, so pool occupancy and waiter counts
// reflect real dispatch concurrency.
//
// Thread Safety: Safe for concurrent use.
type Backend struct {
	pool   *conpool.Pool
	config Config

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a simulated backend on the given pool.
func New(pool *conpool.Pool, config Config) (*Backend, error) {
	if pool == nil {
		return nil, fmt.Errorf("simbackend: pool is required")
	}
	if config.FailureRate < 0 || config.FailureRate > 1 {
		return nil, fmt.Errorf("simbackend: failureRate must be in [0, 1], got %g", config.FailureRate)
	}
	if config.BaseLatency == 0 {
		config.BaseLatency = 5 * time.Millisecond
	}

	seed := config.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	return &Backend{
		pool:   pool,
		config: config,
		rng:    rand.New(rand.NewPCG(seed, seed)),
	}, nil
}

// Dispatch implements batcher.Backend.
func (b *Backend) Dispatch(ctx context.Context, items []batcher.WorkItem) (batcher.Result, error) {
	if err := b.pool.Acquire(ctx); err != nil {
		return batcher.Result{}, fmt.Errorf("simbackend: acquiring connection: %w", err)
	}
	defer b.pool.Release()

	latency := b.config.BaseLatency
	if b.config.LatencyJitter > 0 {
		latency += time.Duration(b.randFloat() * float64(b.config.LatencyJitter))
	}

	select {
	case <-time.After(latency):
	case <-ctx.Done():
		return batcher.Result{}, ctx.Err()
	}

	if b.config.FailureRate <= 0 {
		return batcher.Result{}, nil
	}

	var failed map[int]error
	for i := range items {
		if b.randFloat() < b.config.FailureRate {
			if failed == nil {
				failed = make(map[int]error)
			}
			failed[i] = fmt.Errorf("simbackend: simulated write failure at position %d", i)
		}
	}

	return batcher.Result{Failed: failed}, nil
}

func (b *Backend) randFloat() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rng.Float64()
}
