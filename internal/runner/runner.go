// Package runner drives the pipeline end to end: it paces submissions at the
// controller's target rate, feeds generated records into the batcher, and
// folds every admission decision and resolution back into the metrics
// collector that the controller reads.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/example/batchpipe/internal/backpressure"
	"github.com/example/batchpipe/internal/batcher"
	"github.com/example/batchpipe/internal/conpool"
	"github.com/example/batchpipe/internal/generator"
	"github.com/example/batchpipe/internal/metrics"
	"github.com/example/batchpipe/internal/ratectrl"
)

// ErrNilComponent is returned by New when a required component is missing.
var ErrNilComponent = errors.New("runner: batcher, controller, and collector are required")

// drainTimeout bounds the wait for in-flight items after the pacing loop ends.
const drainTimeout = 30 * time.Second

// gaugeRefreshInterval is how often exported gauges are resampled.
const gaugeRefreshInterval = 250 * time.Millisecond

// Config holds configuration for the driver.
type Config struct {
	// Duration is how long to run. Zero means run until the context ends.
	Duration time.Duration `yaml:"duration,omitempty" json:"duration,omitempty"`

	// Seed seeds the record generator. Zero picks a random seed.
	Seed uint64 `yaml:"seed,omitempty" json:"seed,omitempty"`
}

// PhaseTransition records one controller phase change.
type PhaseTransition struct {
	From ratectrl.Phase
	To   ratectrl.Phase
	TPS  float64
	At   time.Time
}

// Result is the final account of a run.
type Result struct {
	// Elapsed is the wall-clock duration of the pacing loop plus drain.
	Elapsed time.Duration
	// Submitted is the number of records offered to the batcher.
	Submitted int64
	// Metrics is the collector's final snapshot.
	Metrics metrics.Stats
	// Batcher is the batcher's final snapshot.
	Batcher batcher.Stats
	// Controller is the controller's final snapshot.
	Controller ratectrl.State
	// Pool is the downstream pool's final snapshot, zero when no pool is set.
	Pool conpool.Stats
	// Transitions lists every phase change in order.
	Transitions []PhaseTransition
	// Drained reports whether all accepted items resolved before the
	// drain timeout.
	Drained bool
}

// Driver owns the pacing loop.
//
// Thread Safety: Run must be called at most once; accessor methods are safe
// to call concurrently with Run.
type Driver struct {
	config    Config
	batcher   *batcher.MicroBatcher
	ctrl      *ratectrl.Controller
	collector metrics.Collector
	pressure  *backpressure.Aggregator
	pool      *conpool.Pool
	exporter  *metrics.PrometheusExporter
	gen       *generator.Generator
	limiter   *rate.Limiter
	logger    *zap.Logger

	mu          sync.Mutex
	transitions []PhaseTransition
	submitted   int64

	nowFunc func() time.Time
}

// Options carries the optional collaborators of a Driver.
type Options struct {
	// Pressure is sampled into the exported backpressure gauge.
	Pressure *backpressure.Aggregator
	// Pool is sampled into the exported pool gauges and the final Result.
	Pool *conpool.Pool
	// Exporter receives gauge and counter updates when non-nil.
	Exporter *metrics.PrometheusExporter
	// Logger defaults to zap.NewNop().
	Logger *zap.Logger
}

// New creates a driver and wires the controller's callbacks into the pacer.
func New(mb *batcher.MicroBatcher, ctrl *ratectrl.Controller, collector metrics.Collector, config Config, opts Options) (*Driver, error) {
	if mb == nil || ctrl == nil || collector == nil {
		return nil, ErrNilComponent
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	d := &Driver{
		config:    config,
		batcher:   mb,
		ctrl:      ctrl,
		collector: collector,
		pressure:  opts.Pressure,
		pool:      opts.Pool,
		exporter:  opts.Exporter,
		gen:       generator.New(config.Seed),
		limiter:   rate.NewLimiter(rate.Limit(ctrl.CurrentTPS()), 1),
		logger:    opts.Logger,
		nowFunc:   time.Now,
	}

	ctrl.SetOnRateChange(func(old, new float64) {
		d.limiter.SetLimit(rate.Limit(new))
		if d.exporter != nil {
			d.exporter.SetCurrentTPS(new)
		}
		d.logger.Debug("issue rate changed",
			zap.Float64("oldTps", old),
			zap.Float64("newTps", new))
	})
	ctrl.SetOnPhaseChange(func(from, to ratectrl.Phase) {
		t := PhaseTransition{From: from, To: to, TPS: ctrl.CurrentTPS(), At: d.nowFunc()}
		d.mu.Lock()
		d.transitions = append(d.transitions, t)
		d.mu.Unlock()
		if d.exporter != nil {
			d.exporter.SetControllerPhase(phaseCode(to))
		}
		d.logger.Info("phase transition",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Float64("tps", t.TPS))
	})

	return d, nil
}

// Run paces submissions until the context ends or the configured duration
// elapses, then drains in-flight work and returns the final snapshots.
func (d *Driver) Run(ctx context.Context) (Result, error) {
	if d.config.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.Duration)
		defer cancel()
	}

	start := d.nowFunc()
	d.batcher.Start(ctx)

	stopGauges := d.startGaugeRefresh()
	defer stopGauges()

	d.logger.Info("driver started",
		zap.Duration("duration", d.config.Duration),
		zap.Float64("initialTps", d.ctrl.CurrentTPS()))

	for {
		if err := d.limiter.Wait(ctx); err != nil {
			break
		}
		d.ctrl.Tick(d.nowFunc())
		d.submitOne()
	}

	drained := d.batcher.AwaitCompletion(drainTimeout)
	if !drained {
		d.logger.Warn("drain timed out with items still pending",
			zap.Int64("pending", d.batcher.Stats().PendingItems))
	}
	d.batcher.Stop()

	result := d.buildResult(start, drained)
	d.logger.Info("driver finished",
		zap.Duration("elapsed", result.Elapsed),
		zap.Int64("submitted", result.Submitted),
		zap.String("finalPhase", string(result.Controller.Phase)),
		zap.Float64("finalTps", result.Controller.CurrentTPS))
	return result, nil
}

// Transitions returns a copy of the phase transitions recorded so far.
func (d *Driver) Transitions() []PhaseTransition {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]PhaseTransition, len(d.transitions))
	copy(out, d.transitions)
	return out
}

func (d *Driver) submitOne() {
	record := d.gen.Next()
	submittedAt := d.nowFunc()

	outcome := d.batcher.SubmitWithCallback(record, func(_ batcher.WorkItem, res batcher.Outcome) {
		latency := d.nowFunc().Sub(submittedAt)
		// RecordLatency counts the resolution as a success, so each branch
		// records exactly one resolution.
		if res.Kind == batcher.OutcomeSucceeded {
			d.collector.RecordLatency(latency)
		} else {
			d.collector.RecordFailure()
		}
		if d.exporter != nil {
			d.exporter.CountOutcome(string(res.Kind))
			d.exporter.ObserveItemLatency(latency)
		}
	})

	d.mu.Lock()
	d.submitted++
	d.mu.Unlock()

	switch outcome.Kind {
	case batcher.OutcomeAccepted:
		d.collector.RecordAccepted()
		if d.exporter != nil {
			d.exporter.CountOutcome(string(batcher.OutcomeAccepted))
		}
	case batcher.OutcomeRejected:
		d.collector.RecordRejection()
		if d.exporter != nil {
			d.exporter.CountOutcome(string(batcher.OutcomeRejected))
		}
	}
}

// startGaugeRefresh resamples exported gauges until the returned stop
// function is called. A no-op when no exporter is wired.
func (d *Driver) startGaugeRefresh() func() {
	if d.exporter == nil {
		return func() {}
	}

	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(gaugeRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				stats := d.batcher.Stats()
				d.exporter.SetQueueDepth(stats.QueueDepth)
				d.exporter.SetInFlightBatches(stats.InFlightBatches)
				d.exporter.SetCurrentTPS(d.ctrl.CurrentTPS())
				if d.pressure != nil {
					d.exporter.SetBackpressureLevel(d.pressure.Level())
				}
				if d.pool != nil {
					d.exporter.SetPoolOccupancy(d.pool.InUse(), d.pool.Waiting())
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (d *Driver) buildResult(start time.Time, drained bool) Result {
	d.mu.Lock()
	submitted := d.submitted
	transitions := make([]PhaseTransition, len(d.transitions))
	copy(transitions, d.transitions)
	d.mu.Unlock()

	result := Result{
		Elapsed:     d.nowFunc().Sub(start),
		Submitted:   submitted,
		Metrics:     d.collector.Stats(),
		Batcher:     d.batcher.Stats(),
		Controller:  d.ctrl.State(),
		Transitions: transitions,
		Drained:     drained,
	}
	if d.pool != nil {
		result.Pool = d.pool.Stats()
	}
	return result
}

func phaseCode(p ratectrl.Phase) int {
	switch p {
	case ratectrl.PhaseRampUp:
		return metrics.PhaseCodeRampUp
	case ratectrl.PhaseRampDown:
		return metrics.PhaseCodeRampDown
	case ratectrl.PhaseSustain:
		return metrics.PhaseCodeSustain
	case ratectrl.PhaseRecovery:
		return metrics.PhaseCodeRecovery
	default:
		return -1
	}
}

// WriteSummary prints a human-readable account of a run.
func WriteSummary(w io.Writer, result Result) {
	fmt.Fprintf(w, "\n=== Run Summary ===\n")
	fmt.Fprintf(w, "Elapsed:          %v\n", result.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Submitted:        %d\n", result.Submitted)
	fmt.Fprintf(w, "Accepted:         %d\n", result.Batcher.Accepted)
	fmt.Fprintf(w, "Rejected:         %d\n", result.Batcher.Rejected)
	fmt.Fprintf(w, "Succeeded:        %d\n", result.Batcher.Succeeded)
	fmt.Fprintf(w, "Failed:           %d\n", result.Batcher.Failed)
	fmt.Fprintf(w, "Batches:          %d (largest %d)\n", result.Batcher.BatchesDispatched, result.Batcher.LargestBatch)
	fmt.Fprintf(w, "Error rate:       %.2f%% window, %.2f%% all-time\n",
		result.Metrics.WindowErrorRate*100, result.Metrics.AllTimeErrorRate*100)
	fmt.Fprintf(w, "Latency:          avg %v, p50 %v, p95 %v, max %v\n",
		result.Metrics.AvgLatency.Round(time.Microsecond),
		result.Metrics.P50Latency.Round(time.Microsecond),
		result.Metrics.P95Latency.Round(time.Microsecond),
		result.Metrics.MaxLatency.Round(time.Microsecond))
	fmt.Fprintf(w, "Final phase:      %s at %.0f tps (stable %.0f)\n",
		result.Controller.Phase, result.Controller.CurrentTPS, result.Controller.StableTPS)
	fmt.Fprintf(w, "Adjustments:      %d cycles, %d phase transitions\n",
		result.Controller.TotalAdjustments, result.Controller.TotalTransitions)
	if result.Pool.Capacity > 0 {
		fmt.Fprintf(w, "Pool:             %d slots, %d acquisitions, avg wait %v\n",
			result.Pool.Capacity, result.Pool.TotalAcquired, result.Pool.AvgWaitTime.Round(time.Microsecond))
	}
	if len(result.Transitions) > 0 {
		fmt.Fprintf(w, "Transitions:\n")
		for _, t := range result.Transitions {
			fmt.Fprintf(w, "  %s -> %s @ %.0f tps\n", t.From, t.To, t.TPS)
		}
	}
	if !result.Drained {
		fmt.Fprintf(w, "WARNING: drain timed out with items still pending\n")
	}
}
