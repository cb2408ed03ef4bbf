package runner

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/batchpipe/internal/backpressure"
	"github.com/example/batchpipe/internal/batcher"
	"github.com/example/batchpipe/internal/conpool"
	"github.com/example/batchpipe/internal/metrics"
	"github.com/example/batchpipe/internal/ratectrl"
	"github.com/example/batchpipe/internal/simbackend"
)

// pipeline bundles a fully wired driver for end-to-end tests.
type pipeline struct {
	driver    *Driver
	batcher   *batcher.MicroBatcher
	ctrl      *ratectrl.Controller
	collector *metrics.SlidingWindowCollector
	pool      *conpool.Pool
}

func newPipeline(t *testing.T, runCfg Config, backendCfg simbackend.Config, ctrlCfg ratectrl.Config) *pipeline {
	t.Helper()

	pool, err := conpool.New(conpool.Config{Capacity: 4})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	backend, err := simbackend.New(pool, backendCfg)
	require.NoError(t, err)

	collector := metrics.NewSlidingWindowCollector(metrics.Config{
		WindowSize: 2 * time.Second,
		BucketSize: 200 * time.Millisecond,
	})

	batcherCfg := batcher.Config{
		BatchSize:  10,
		LingerTime: 10 * time.Millisecond,
	}
	mb, err := batcher.New(backend, batcherCfg, nil)
	require.NoError(t, err)

	pressure := backpressure.NewAggregator(
		backpressure.NewQueueDepthSource(mb, 1000),
		backpressure.NewPoolOccupancySource(pool),
	)

	ctrl, err := ratectrl.New(collector, pressure, ctrlCfg, nil)
	require.NoError(t, err)

	driver, err := New(mb, ctrl, collector, runCfg, Options{
		Pressure: pressure,
		Pool:     pool,
	})
	require.NoError(t, err)

	return &pipeline{driver: driver, batcher: mb, ctrl: ctrl, collector: collector, pool: pool}
}

func TestNew_RequiresComponents(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil, nil, Config{}, Options{})
	assert.ErrorIs(t, err, ErrNilComponent)
}

func TestDriver_HealthyRun(t *testing.T) {
	t.Parallel()

	p := newPipeline(t,
		Config{Duration: 500 * time.Millisecond, Seed: 42},
		simbackend.Config{BaseLatency: time.Millisecond, Seed: 42},
		ratectrl.Config{InitialTPS: 200, RampIncrement: 100, RampInterval: 100 * time.Millisecond},
	)

	result, err := p.driver.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Drained)
	assert.Greater(t, result.Submitted, int64(0))
	assert.Greater(t, result.Batcher.Succeeded, int64(0))
	assert.Equal(t, int64(0), result.Batcher.PendingItems)
	assert.Equal(t, result.Submitted, result.Batcher.Accepted+result.Batcher.Rejected)

	// Collector totals mirror the batcher's real outcome counts.
	assert.Equal(t, result.Batcher.Succeeded, result.Metrics.TotalSuccess)
	assert.Equal(t, result.Batcher.Failed+result.Batcher.Rejected, result.Metrics.TotalFailures)
	assert.Equal(t, result.Batcher.Succeeded+result.Batcher.Failed+result.Batcher.Rejected,
		result.Metrics.TotalItems)

	// A healthy backend keeps the controller out of ramp-down.
	assert.GreaterOrEqual(t, result.Controller.CurrentTPS, 200.0)
}

func TestDriver_CollectorMatchesOutcomesWhenEverythingFails(t *testing.T) {
	t.Parallel()

	p := newPipeline(t,
		Config{Duration: 600 * time.Millisecond, Seed: 42},
		simbackend.Config{BaseLatency: time.Millisecond, FailureRate: 1, Seed: 42},
		ratectrl.Config{InitialTPS: 100, MinTPS: 50, RampInterval: 100 * time.Millisecond},
	)

	result, err := p.driver.Run(context.Background())
	require.NoError(t, err)
	require.Greater(t, result.Batcher.Failed, int64(0))

	// Every resolution failed, so the collector must report no successes and
	// a failure ratio of one, not a diluted rate.
	assert.Equal(t, int64(0), result.Batcher.Succeeded)
	assert.Equal(t, int64(0), result.Metrics.TotalSuccess)
	assert.Equal(t, result.Batcher.Failed+result.Batcher.Rejected, result.Metrics.TotalFailures)
	assert.Equal(t, result.Metrics.TotalFailures, result.Metrics.TotalItems)
	assert.InDelta(t, 1.0, result.Metrics.AllTimeErrorRate, 1e-9)
}

func TestDriver_FailingBackendRampsDown(t *testing.T) {
	t.Parallel()

	p := newPipeline(t,
		Config{Duration: 800 * time.Millisecond, Seed: 42},
		simbackend.Config{BaseLatency: time.Millisecond, FailureRate: 1, Seed: 42},
		ratectrl.Config{
			InitialTPS:    500,
			MinTPS:        50,
			RampIncrement: 100,
			RampDecrement: 200,
			RampInterval:  100 * time.Millisecond,
		},
	)

	result, err := p.driver.Run(context.Background())
	require.NoError(t, err)

	assert.Greater(t, result.Metrics.TotalFailures, int64(0))
	assert.Equal(t, result.Batcher.Succeeded, result.Metrics.TotalSuccess)
	assert.Less(t, result.Controller.CurrentTPS, 500.0)
	assert.GreaterOrEqual(t, result.Controller.CurrentTPS, 50.0)

	transitions := p.driver.Transitions()
	require.NotEmpty(t, transitions)
	assert.Equal(t, ratectrl.PhaseRampUp, transitions[0].From)
	assert.Equal(t, ratectrl.PhaseRampDown, transitions[0].To)
}

func TestDriver_ContextCancellationStopsEarly(t *testing.T) {
	t.Parallel()

	p := newPipeline(t,
		Config{Duration: time.Hour, Seed: 1},
		simbackend.Config{BaseLatency: time.Millisecond, Seed: 1},
		ratectrl.Config{InitialTPS: 100},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	result, err := p.driver.Run(ctx)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, result.Drained)
}

func TestWriteSummary(t *testing.T) {
	t.Parallel()

	result := Result{
		Elapsed:   time.Second,
		Submitted: 1234,
		Batcher:   batcher.Stats{Accepted: 1200, Rejected: 34, Succeeded: 1190, Failed: 10, BatchesDispatched: 120, LargestBatch: 25},
		Metrics:   metrics.Stats{WindowErrorRate: 0.008, AllTimeErrorRate: 0.01},
		Controller: ratectrl.State{
			Phase:      ratectrl.PhaseSustain,
			CurrentTPS: 1500,
			StableTPS:  1600,
		},
		Transitions: []PhaseTransition{
			{From: ratectrl.PhaseRampUp, To: ratectrl.PhaseRampDown, TPS: 1700},
		},
		Drained: true,
	}

	var sb strings.Builder
	WriteSummary(&sb, result)
	out := sb.String()

	assert.Contains(t, out, "Submitted:        1234")
	assert.Contains(t, out, "sustain")
	assert.Contains(t, out, "ramp_up -> ramp_down @ 1700 tps")
	assert.NotContains(t, out, "WARNING")
}

func TestPhaseCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, metrics.PhaseCodeRampUp, phaseCode(ratectrl.PhaseRampUp))
	assert.Equal(t, metrics.PhaseCodeRampDown, phaseCode(ratectrl.PhaseRampDown))
	assert.Equal(t, metrics.PhaseCodeSustain, phaseCode(ratectrl.PhaseSustain))
	assert.Equal(t, metrics.PhaseCodeRecovery, phaseCode(ratectrl.PhaseRecovery))
	assert.Equal(t, -1, phaseCode(ratectrl.Phase("bogus")))
}
