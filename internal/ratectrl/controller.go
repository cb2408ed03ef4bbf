// Package ratectrl provides the adaptive rate controller: a phase state
// machine that raises or lowers the offered item rate based on windowed
// failure rate and aggregated backpressure.
package ratectrl

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Phase describes the controller's current rate-adjustment strategy.
type Phase string

const (
	// PhaseRampUp raises the rate while conditions stay good.
	PhaseRampUp Phase = "ramp_up"
	// PhaseRampDown lowers the rate while conditions stay bad.
	PhaseRampDown Phase = "ramp_down"
	// PhaseSustain holds the rate steady.
	PhaseSustain Phase = "sustain"
	// PhaseRecovery ramps back up from half the last known stable rate.
	PhaseRecovery Phase = "recovery"
)

// FailureRateProvider supplies the recent failure rate (0.0 - 1.0).
type FailureRateProvider interface {
	ErrorRate() float64
}

// PressureProvider supplies the aggregated backpressure level (0.0 - 1.0).
type PressureProvider interface {
	Level() float64
}

// Config holds configuration for the controller.
type Config struct {
	// InitialTPS is the starting target rate (default: 100).
	InitialTPS float64 `yaml:"initialTps" json:"initialTps"`

	// RampIncrement is added to the rate per good interval (default: 50).
	RampIncrement float64 `yaml:"rampIncrement" json:"rampIncrement"`

	// RampDecrement is subtracted from the rate per bad interval (default: 100).
	RampDecrement float64 `yaml:"rampDecrement" json:"rampDecrement"`

	// RampInterval is the minimum time between adjustments (default: 1s).
	RampInterval time.Duration `yaml:"rampInterval" json:"rampInterval"`

	// MaxTPS is the rate ceiling (default: 5000).
	MaxTPS float64 `yaml:"maxTps" json:"maxTps"`

	// MinTPS is the rate floor (default: 10). The rate never drops below it:
	// a stalled driver produces no feedback, so the loop must keep offering
	// some load to observe recovery.
	MinTPS float64 `yaml:"minTps" json:"minTps"`

	// SustainDuration is how long conditions must stay good before leaving
	// RAMP_DOWN or SUSTAIN (default: 10s).
	SustainDuration time.Duration `yaml:"sustainDuration" json:"sustainDuration"`

	// ErrorThreshold is the windowed failure rate (0.0 - 1.0) that triggers
	// ramp-down (default: 0.01).
	ErrorThreshold float64 `yaml:"errorThreshold" json:"errorThreshold"`

	// LowWatermark is the backpressure level below which ramp-up is permitted
	// (default: 0.3).
	LowWatermark float64 `yaml:"lowWatermark,omitempty" json:"lowWatermark,omitempty"`

	// HighWatermark is the backpressure level at which ramp-down triggers
	// (default: 0.7). The gap between the watermarks is deliberate hysteresis
	// against oscillation at a single boundary.
	HighWatermark float64 `yaml:"highWatermark,omitempty" json:"highWatermark,omitempty"`
}

// applyDefaults fills in zero values.
func (c *Config) applyDefaults() {
	if c.InitialTPS == 0 {
		c.InitialTPS = 100
	}
	if c.RampIncrement == 0 {
		c.RampIncrement = 50
	}
	if c.RampDecrement == 0 {
		c.RampDecrement = 100
	}
	if c.RampInterval == 0 {
		c.RampInterval = time.Second
	}
	if c.MaxTPS == 0 {
		c.MaxTPS = 5000
	}
	if c.MinTPS == 0 {
		c.MinTPS = 10
	}
	if c.SustainDuration == 0 {
		c.SustainDuration = 10 * time.Second
	}
	if c.ErrorThreshold == 0 {
		c.ErrorThreshold = 0.01
	}
	if c.LowWatermark == 0 {
		c.LowWatermark = 0.3
	}
	if c.HighWatermark == 0 {
		c.HighWatermark = 0.7
	}
}

// WithDefaults returns a copy of c with defaults applied to unset fields.
func WithDefaults(c Config) Config {
	c.applyDefaults()
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.RampInterval <= 0 {
		return fmt.Errorf("ratectrl: rampInterval must be positive, got %v", c.RampInterval)
	}
	if c.SustainDuration <= 0 {
		return fmt.Errorf("ratectrl: sustainDuration must be positive, got %v", c.SustainDuration)
	}
	if c.MinTPS <= 0 {
		return fmt.Errorf("ratectrl: minTps must be positive, got %g", c.MinTPS)
	}
	if c.MinTPS > c.InitialTPS || c.InitialTPS > c.MaxTPS {
		return fmt.Errorf("ratectrl: require minTps <= initialTps <= maxTps, got %g <= %g <= %g",
			c.MinTPS, c.InitialTPS, c.MaxTPS)
	}
	if c.RampIncrement <= 0 || c.RampDecrement <= 0 {
		return fmt.Errorf("ratectrl: ramp increment and decrement must be positive, got %g and %g",
			c.RampIncrement, c.RampDecrement)
	}
	if c.ErrorThreshold <= 0 || c.ErrorThreshold > 1 {
		return fmt.Errorf("ratectrl: errorThreshold must be in (0, 1], got %g", c.ErrorThreshold)
	}
	if c.LowWatermark < 0 || c.HighWatermark > 1 || c.LowWatermark >= c.HighWatermark {
		return fmt.Errorf("ratectrl: require 0 <= lowWatermark < highWatermark <= 1, got %g and %g",
			c.LowWatermark, c.HighWatermark)
	}
	return nil
}

// State is a snapshot of the controller's internal state.
type State struct {
	// Phase is the current adjustment strategy.
	Phase Phase
	// CurrentTPS is the current target rate.
	CurrentTPS float64
	// LastAdjustment is when the last adjustment cycle ran.
	LastAdjustment time.Time
	// StableTPS is the rate held before the last overload (0 when unset).
	StableTPS float64
	// ConsecutiveGoodIntervals counts good intervals toward SustainDuration.
	ConsecutiveGoodIntervals int
	// TotalTransitions is the number of phase transitions so far.
	TotalTransitions int64
	// TotalAdjustments is the number of adjustment cycles run so far.
	TotalAdjustments int64
}

// Controller adjusts the target issue rate once per RampInterval based on the
// windowed failure rate and the aggregated backpressure level.
//
// Tick may be called at arbitrary frequency from any goroutine: the current
// rate is an atomic read, and the adjustment step runs behind a try-lock so
// concurrent ticks never race on state and never block each other.
//
// Thread Safety: Safe for concurrent use.
type Controller struct {
	config   Config
	metrics  FailureRateProvider
	pressure PressureProvider
	logger   *zap.Logger

	currentTPS atomic.Uint64 // float64 bits
	lastAdjust atomic.Int64  // unix nanos; 0 until the first tick

	// State below is mutated only inside the adjustment step (adjustMu).
	adjustMu      sync.Mutex
	phase         Phase
	stableTPS     float64
	goodIntervals int

	transitions atomic.Int64
	adjustments atomic.Int64

	metricsWarn  sync.Once
	pressureWarn sync.Once

	// Callbacks (protected by callbackMu); diagnostics only, never control.
	callbackMu    sync.RWMutex
	onPhaseChange func(from, to Phase)
	onRateChange  func(old, new float64)
}

// New creates a controller reading from the given providers. Either provider
// may be nil; the controller then fails open, treating the missing reading as
// no failures or no pressure.
func New(metrics FailureRateProvider, pressure PressureProvider, config Config, logger *zap.Logger) (*Controller, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Controller{
		config:   config,
		metrics:  metrics,
		pressure: pressure,
		logger:   logger,
		phase:    PhaseRampUp,
	}
	c.setTPS(config.InitialTPS)
	return c, nil
}

// Tick returns the current target rate, running an adjustment cycle if at
// least RampInterval has passed since the previous one. It never blocks and
// never panics; on provider outage it keeps the loop alive with neutral
// readings.
func (c *Controller) Tick(now time.Time) float64 {
	last := c.lastAdjust.Load()
	if last == 0 {
		// First tick starts the interval clock without adjusting.
		if c.lastAdjust.CompareAndSwap(0, now.UnixNano()) {
			return c.CurrentTPS()
		}
		last = c.lastAdjust.Load()
	}

	if now.Sub(time.Unix(0, last)) < c.config.RampInterval {
		return c.CurrentTPS()
	}

	if !c.adjustMu.TryLock() {
		// Another tick is adjusting right now.
		return c.CurrentTPS()
	}
	defer c.adjustMu.Unlock()

	// Re-check under the lock; a concurrent tick may have just adjusted.
	if now.Sub(time.Unix(0, c.lastAdjust.Load())) >= c.config.RampInterval {
		c.adjust(now)
	}
	return c.CurrentTPS()
}

// CurrentTPS returns the current target rate.
func (c *Controller) CurrentTPS() float64 {
	return math.Float64frombits(c.currentTPS.Load())
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	c.adjustMu.Lock()
	defer c.adjustMu.Unlock()
	return c.phase
}

// State returns a snapshot of the controller state.
func (c *Controller) State() State {
	c.adjustMu.Lock()
	defer c.adjustMu.Unlock()
	return State{
		Phase:                    c.phase,
		CurrentTPS:               c.CurrentTPS(),
		LastAdjustment:           time.Unix(0, c.lastAdjust.Load()),
		StableTPS:                c.stableTPS,
		ConsecutiveGoodIntervals: c.goodIntervals,
		TotalTransitions:         c.transitions.Load(),
		TotalAdjustments:         c.adjustments.Load(),
	}
}

// SetOnPhaseChange sets a callback invoked on every phase transition.
func (c *Controller) SetOnPhaseChange(fn func(from, to Phase)) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onPhaseChange = fn
}

// SetOnRateChange sets a callback invoked on every rate change.
func (c *Controller) SetOnRateChange(fn func(old, new float64)) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onRateChange = fn
}

// adjust performs one adjustment cycle. Must be called with adjustMu held.
func (c *Controller) adjust(now time.Time) {
	c.adjustments.Add(1)

	failRate := c.failureRate()
	pressure := c.pressureLevel()

	good := failRate < c.config.ErrorThreshold && pressure < c.config.LowWatermark
	bad := failRate >= c.config.ErrorThreshold || pressure >= c.config.HighWatermark

	tps := c.CurrentTPS()
	next := tps

	switch c.phase {
	case PhaseRampUp, PhaseRecovery:
		if bad {
			c.stableTPS = tps
			c.transition(PhaseRampDown)
			c.goodIntervals = 0
			next = tps - c.config.RampDecrement
		} else if good {
			next = tps + c.config.RampIncrement
			if next >= c.config.MaxTPS {
				c.transition(PhaseSustain)
				c.goodIntervals = 0
			} else if c.phase == PhaseRecovery && c.stableTPS > 0 && next >= c.stableTPS {
				// Regained the pre-overload level; back to a plain ramp.
				c.transition(PhaseRampUp)
			}
		}
		// In the hysteresis band between the watermarks: hold.

	case PhaseRampDown:
		if good {
			c.goodIntervals++
			if c.goodFor() >= c.config.SustainDuration {
				next = math.Max(c.config.MinTPS, c.stableTPS*0.5)
				if c.stableTPS == 0 {
					next = tps
				}
				c.transition(PhaseRecovery)
				c.goodIntervals = 0
			}
			// Conditions look better: stop cutting while they prove out.
		} else {
			c.goodIntervals = 0
			next = tps - c.config.RampDecrement
		}

	case PhaseSustain:
		if bad {
			c.stableTPS = tps
			c.transition(PhaseRampDown)
			c.goodIntervals = 0
			next = tps - c.config.RampDecrement
		} else if good {
			c.goodIntervals++
			if c.goodFor() >= c.config.SustainDuration && tps < c.config.MaxTPS {
				c.transition(PhaseRampUp)
				c.goodIntervals = 0
			}
		} else {
			c.goodIntervals = 0
		}
	}

	// Floor and ceiling are enforced on every adjustment, whatever the phase.
	next = math.Min(c.config.MaxTPS, math.Max(c.config.MinTPS, next))

	if next != tps {
		c.setTPS(next)
		c.fireRateChange(tps, next)
	}

	c.lastAdjust.Store(now.UnixNano())
}

// goodFor returns how long conditions have been continuously good.
func (c *Controller) goodFor() time.Duration {
	return time.Duration(c.goodIntervals) * c.config.RampInterval
}

// failureRate reads the metrics provider, failing open to zero.
func (c *Controller) failureRate() float64 {
	if c.metrics == nil {
		c.metricsWarn.Do(func() {
			c.logger.Warn("failure-rate provider unavailable, assuming zero failures")
		})
		return 0
	}
	r := c.metrics.ErrorRate()
	if math.IsNaN(r) || r < 0 {
		return 0
	}
	return r
}

// pressureLevel reads the pressure provider, failing open to zero.
func (c *Controller) pressureLevel() float64 {
	if c.pressure == nil {
		c.pressureWarn.Do(func() {
			c.logger.Warn("backpressure provider unavailable, assuming no pressure")
		})
		return 0
	}
	p := c.pressure.Level()
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	return p
}

// transition moves to a new phase. Must be called with adjustMu held.
func (c *Controller) transition(to Phase) {
	from := c.phase
	if from == to {
		return
	}
	c.phase = to
	c.transitions.Add(1)
	c.logger.Debug("phase transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Float64("tps", c.CurrentTPS()))

	c.callbackMu.RLock()
	fn := c.onPhaseChange
	c.callbackMu.RUnlock()
	if fn != nil {
		fn(from, to)
	}
}

func (c *Controller) fireRateChange(old, new float64) {
	c.callbackMu.RLock()
	fn := c.onRateChange
	c.callbackMu.RUnlock()
	if fn != nil {
		fn(old, new)
	}
}

func (c *Controller) setTPS(tps float64) {
	c.currentTPS.Store(math.Float64bits(tps))
}
