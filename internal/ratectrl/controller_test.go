package ratectrl

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubMetrics is a mutable FailureRateProvider for testing.
type stubMetrics struct {
	mu   sync.Mutex
	rate float64
}

func (s *stubMetrics) setErrorRate(r float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = r
}

func (s *stubMetrics) ErrorRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

// stubPressure is a mutable PressureProvider for testing.
type stubPressure struct {
	mu    sync.Mutex
	level float64
}

func (s *stubPressure) setLevel(l float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = l
}

func (s *stubPressure) Level() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

// harness bundles a controller with its stubbed providers and a manual clock.
type harness struct {
	ctrl     *Controller
	metrics  *stubMetrics
	pressure *stubPressure
	now      time.Time
	interval time.Duration
}

func newHarness(t *testing.T, config Config) *harness {
	t.Helper()
	metrics := &stubMetrics{}
	pressure := &stubPressure{}
	ctrl, err := New(metrics, pressure, config, nil)
	require.NoError(t, err)

	h := &harness{
		ctrl:     ctrl,
		metrics:  metrics,
		pressure: pressure,
		now:      time.Unix(1000, 0),
		interval: ctrl.config.RampInterval,
	}
	// First tick only starts the interval clock.
	h.ctrl.Tick(h.now)
	return h
}

// step advances one full interval and ticks.
func (h *harness) step() float64 {
	h.now = h.now.Add(h.interval)
	return h.ctrl.Tick(h.now)
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	ctrl, err := New(nil, nil, Config{}, nil)
	require.NoError(t, err)

	assert.Equal(t, 100.0, ctrl.CurrentTPS())
	assert.Equal(t, PhaseRampUp, ctrl.Phase())
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative rampInterval", func(c *Config) { c.RampInterval = -time.Second }},
		{"zero minTps", func(c *Config) { c.MinTPS = -1 }},
		{"initial below floor", func(c *Config) { c.MinTPS = 200; c.InitialTPS = 100 }},
		{"initial above ceiling", func(c *Config) { c.InitialTPS = 9000 }},
		{"errorThreshold above one", func(c *Config) { c.ErrorThreshold = 1.5 }},
		{"inverted watermarks", func(c *Config) { c.LowWatermark = 0.8; c.HighWatermark = 0.2 }},
		{"watermark out of range", func(c *Config) { c.HighWatermark = 1.2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			config := WithDefaults(Config{})
			tt.mutate(&config)
			_, err := New(nil, nil, config, nil)
			assert.Error(t, err)
		})
	}
}

func TestController_FirstTickStartsClock(t *testing.T) {
	t.Parallel()

	ctrl, err := New(&stubMetrics{}, &stubPressure{}, Config{InitialTPS: 1000, RampIncrement: 500}, nil)
	require.NoError(t, err)

	now := time.Unix(1000, 0)
	assert.Equal(t, 1000.0, ctrl.Tick(now))
	assert.Equal(t, int64(0), ctrl.State().TotalAdjustments)

	// Half an interval later: still no adjustment.
	assert.Equal(t, 1000.0, ctrl.Tick(now.Add(500*time.Millisecond)))
	assert.Equal(t, int64(0), ctrl.State().TotalAdjustments)

	// A full interval later the first adjustment runs.
	assert.Equal(t, 1500.0, ctrl.Tick(now.Add(time.Second)))
	assert.Equal(t, int64(1), ctrl.State().TotalAdjustments)
}

func TestController_RampUpIncrementsPerInterval(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{InitialTPS: 1000, RampIncrement: 500, MaxTPS: 5000})

	assert.Equal(t, 1500.0, h.step())
	assert.Equal(t, 2000.0, h.step())
	assert.Equal(t, PhaseRampUp, h.ctrl.Phase())
}

func TestController_RampUpToFailureBackoff(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{InitialTPS: 1000, RampIncrement: 100, RampDecrement: 200})

	assert.Equal(t, 1100.0, h.step())

	// Failures cross the threshold: the same cycle transitions and cuts.
	h.metrics.setErrorRate(0.05)
	assert.Equal(t, 900.0, h.step())

	state := h.ctrl.State()
	assert.Equal(t, PhaseRampDown, state.Phase)
	assert.Equal(t, 1100.0, state.StableTPS)
}

func TestController_HighPressureTriggersRampDown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{InitialTPS: 1000, RampDecrement: 100})

	h.pressure.setLevel(0.75)
	assert.Equal(t, 900.0, h.step())
	assert.Equal(t, PhaseRampDown, h.ctrl.Phase())
}

func TestController_HysteresisBandHolds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{InitialTPS: 1000})

	// Pressure between the watermarks: neither good nor bad, rate holds.
	h.pressure.setLevel(0.5)
	for i := 0; i < 5; i++ {
		assert.Equal(t, 1000.0, h.step())
	}
	assert.Equal(t, PhaseRampUp, h.ctrl.Phase())
}

func TestController_MinTPSFloor(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{InitialTPS: 150, MinTPS: 50, RampDecrement: 100})

	h.metrics.setErrorRate(0.5)
	assert.Equal(t, 50.0, h.step())
	for i := 0; i < 5; i++ {
		assert.Equal(t, 50.0, h.step())
	}
	assert.Equal(t, PhaseRampDown, h.ctrl.Phase())
}

func TestController_MaxTPSEntersSustain(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{InitialTPS: 900, RampIncrement: 100, MaxTPS: 1000})

	assert.Equal(t, 1000.0, h.step())
	assert.Equal(t, PhaseSustain, h.ctrl.Phase())

	// Sustain holds at the ceiling.
	assert.Equal(t, 1000.0, h.step())
	assert.Equal(t, PhaseSustain, h.ctrl.Phase())
}

func TestController_SustainBacksOffOnFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{InitialTPS: 900, RampIncrement: 100, RampDecrement: 300, MaxTPS: 1000})

	assert.Equal(t, 1000.0, h.step())
	require.Equal(t, PhaseSustain, h.ctrl.Phase())

	h.metrics.setErrorRate(0.1)
	assert.Equal(t, 700.0, h.step())
	state := h.ctrl.State()
	assert.Equal(t, PhaseRampDown, state.Phase)
	assert.Equal(t, 1000.0, state.StableTPS)
}

func TestController_RampDownMonotonicUnderSustainedFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{InitialTPS: 2000, MinTPS: 100, RampDecrement: 400})

	h.metrics.setErrorRate(0.2)
	prev := 2000.0
	for i := 0; i < 8; i++ {
		got := h.step()
		assert.LessOrEqual(t, got, prev)
		prev = got
	}
	assert.Equal(t, 100.0, prev)
}

func TestController_RecoveryAtHalfStableRate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{
		InitialTPS:      2000,
		MinTPS:          100,
		RampIncrement:   100,
		RampDecrement:   500,
		SustainDuration: 3 * time.Second,
	})

	// Overload at 2000: one bad interval cuts to 1500 and records stableTps.
	h.metrics.setErrorRate(0.3)
	assert.Equal(t, 1500.0, h.step())
	require.Equal(t, PhaseRampDown, h.ctrl.Phase())

	// Conditions recover; the rate holds while they prove out.
	h.metrics.setErrorRate(0)
	assert.Equal(t, 1500.0, h.step())
	assert.Equal(t, 1500.0, h.step())

	// Third consecutive good interval satisfies SustainDuration: recovery
	// restarts at half the stable rate.
	assert.Equal(t, 1000.0, h.step())
	assert.Equal(t, PhaseRecovery, h.ctrl.Phase())
}

func TestController_RecoveryFloorsAtMinTPS(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{
		InitialTPS:      150,
		MinTPS:          120,
		RampDecrement:   20,
		SustainDuration: time.Second,
	})

	h.metrics.setErrorRate(0.3)
	assert.Equal(t, 130.0, h.step())

	// Stable was 150; half of it is 75, below the floor.
	h.metrics.setErrorRate(0)
	assert.Equal(t, 120.0, h.step())
	assert.Equal(t, PhaseRecovery, h.ctrl.Phase())
}

func TestController_RecoveryHandsBackToRampUp(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{
		InitialTPS:      1000,
		MinTPS:          100,
		RampIncrement:   200,
		RampDecrement:   200,
		SustainDuration: time.Second,
	})

	h.metrics.setErrorRate(0.3)
	assert.Equal(t, 800.0, h.step())

	h.metrics.setErrorRate(0)
	assert.Equal(t, 500.0, h.step()) // recovery at stable/2
	require.Equal(t, PhaseRecovery, h.ctrl.Phase())

	assert.Equal(t, 700.0, h.step())
	assert.Equal(t, PhaseRecovery, h.ctrl.Phase())
	assert.Equal(t, 900.0, h.step())
	assert.Equal(t, PhaseRecovery, h.ctrl.Phase())

	// Next increment reaches the pre-overload stable rate.
	assert.Equal(t, 1100.0, h.step())
	assert.Equal(t, PhaseRampUp, h.ctrl.Phase())
}

func TestController_SustainHoldsAtCeiling(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{
		InitialTPS:      900,
		RampIncrement:   100,
		MaxTPS:          1000,
		SustainDuration: 2 * time.Second,
	})
	assert.Equal(t, 1000.0, h.step())
	require.Equal(t, PhaseSustain, h.ctrl.Phase())

	// At the ceiling good intervals accumulate but ramp-up would be a no-op,
	// so the controller stays in sustain.
	h.step()
	h.step()
	h.step()
	assert.Equal(t, PhaseSustain, h.ctrl.Phase())
	assert.Equal(t, 1000.0, h.ctrl.CurrentTPS())
}

func TestController_FailsOpenWithNilProviders(t *testing.T) {
	t.Parallel()

	ctrl, err := New(nil, nil, Config{InitialTPS: 100, RampIncrement: 50}, nil)
	require.NoError(t, err)

	now := time.Unix(1000, 0)
	ctrl.Tick(now)
	assert.Equal(t, 150.0, ctrl.Tick(now.Add(time.Second)))
	assert.Equal(t, PhaseRampUp, ctrl.Phase())
}

func TestController_Callbacks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{InitialTPS: 1000, RampIncrement: 100, RampDecrement: 200})

	var (
		mu          sync.Mutex
		rateChanges [][2]float64
		phaseMoves  [][2]Phase
	)
	h.ctrl.SetOnRateChange(func(old, new float64) {
		mu.Lock()
		defer mu.Unlock()
		rateChanges = append(rateChanges, [2]float64{old, new})
	})
	h.ctrl.SetOnPhaseChange(func(from, to Phase) {
		mu.Lock()
		defer mu.Unlock()
		phaseMoves = append(phaseMoves, [2]Phase{from, to})
	})

	h.step()
	h.metrics.setErrorRate(0.5)
	h.step()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, rateChanges, 2)
	assert.Equal(t, [2]float64{1000, 1100}, rateChanges[0])
	assert.Equal(t, [2]float64{1100, 900}, rateChanges[1])
	require.Len(t, phaseMoves, 1)
	assert.Equal(t, [2]Phase{PhaseRampUp, PhaseRampDown}, phaseMoves[0])
}

func TestController_ConcurrentTicks(t *testing.T) {
	t.Parallel()

	ctrl, err := New(&stubMetrics{}, &stubPressure{}, Config{InitialTPS: 100, RampIncrement: 10, MaxTPS: 200}, nil)
	require.NoError(t, err)

	base := time.Unix(1000, 0)
	ctrl.Tick(base)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 1; i <= 100; i++ {
				ctrl.Tick(base.Add(time.Duration(i) * 10 * time.Millisecond))
			}
		}()
	}
	wg.Wait()

	// One second of simulated time passed at most once per interval.
	state := ctrl.State()
	assert.LessOrEqual(t, state.TotalAdjustments, int64(1))
	assert.LessOrEqual(t, state.CurrentTPS, 200.0)
	assert.GreaterOrEqual(t, state.CurrentTPS, 100.0)
}
