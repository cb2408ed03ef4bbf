package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metric names.
const (
	MetricItemsTotal         = "batchpipe_items_total"
	MetricItemLatencySeconds = "batchpipe_item_latency_seconds"
	MetricCurrentTPS         = "batchpipe_current_tps"
	MetricControllerPhase    = "batchpipe_controller_phase"
	MetricQueueDepth         = "batchpipe_queue_depth"
	MetricBackpressureLevel  = "batchpipe_backpressure_level"
	MetricInFlightBatches    = "batchpipe_inflight_batches"
	MetricPoolInUse          = "batchpipe_pool_in_use"
	MetricPoolWaiting        = "batchpipe_pool_waiting"
)

// Phase codes exported through the controller phase gauge.
const (
	PhaseCodeRampUp   = 0
	PhaseCodeRampDown = 1
	PhaseCodeSustain  = 2
	PhaseCodeRecovery = 3
)

// PrometheusExporter exposes pipeline diagnostics on a scrape endpoint. It is
// a pure observer: nothing in the control loop reads from it.
//
// Thread Safety: Safe for concurrent use.
type PrometheusExporter struct {
	mu sync.Mutex

	config   PrometheusConfig
	registry *prometheus.Registry

	itemsTotal        *prometheus.CounterVec
	itemLatency       prometheus.Histogram
	currentTPS        prometheus.Gauge
	controllerPhase   prometheus.Gauge
	queueDepth        prometheus.Gauge
	backpressureLevel prometheus.Gauge
	inFlightBatches   prometheus.Gauge
	poolInUse         prometheus.Gauge
	poolWaiting       prometheus.Gauge

	server  *http.Server
	ln      net.Listener
	running bool
}

// PrometheusConfig holds configuration for the exporter.
type PrometheusConfig struct {
	// Enabled turns the scrape endpoint on.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Port is the HTTP port for the metrics endpoint (default: 9090).
	Port int `yaml:"port,omitempty" json:"port,omitempty"`

	// Path is the URL path for the metrics endpoint (default: /metrics).
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// HistogramBuckets are the latency histogram buckets.
	// Default: prometheus.DefBuckets.
	HistogramBuckets []float64 `yaml:"histogramBuckets,omitempty" json:"histogramBuckets,omitempty"`
}

// NewPrometheusExporter creates an exporter with its own registry.
func NewPrometheusExporter(config PrometheusConfig) *PrometheusExporter {
	if config.Port == 0 {
		config.Port = 9090
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if len(config.HistogramBuckets) == 0 {
		config.HistogramBuckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	e := &PrometheusExporter{
		config:   config,
		registry: registry,
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricItemsTotal,
			Help: "Items by final outcome (accepted, rejected, succeeded, failed).",
		}, []string{"outcome"}),
		itemLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricItemLatencySeconds,
			Help:    "Submit-to-resolution latency per item.",
			Buckets: config.HistogramBuckets,
		}),
		currentTPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricCurrentTPS,
			Help: "Current target issue rate.",
		}),
		controllerPhase: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricControllerPhase,
			Help: "Controller phase (0=ramp_up, 1=ramp_down, 2=sustain, 3=recovery).",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricQueueDepth,
			Help: "Admitted items not yet sealed into a batch.",
		}),
		backpressureLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricBackpressureLevel,
			Help: "Aggregated backpressure level (0.0 - 1.0).",
		}),
		inFlightBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricInFlightBatches,
			Help: "Batches currently inside the backend.",
		}),
		poolInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricPoolInUse,
			Help: "Downstream pool slots currently held.",
		}),
		poolWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricPoolWaiting,
			Help: "Requesters waiting on a downstream pool slot.",
		}),
	}

	registry.MustRegister(
		e.itemsTotal,
		e.itemLatency,
		e.currentTPS,
		e.controllerPhase,
		e.queueDepth,
		e.backpressureLevel,
		e.inFlightBatches,
		e.poolInUse,
		e.poolWaiting,
	)

	return e
}

// Start begins serving the metrics endpoint.
func (e *PrometheusExporter) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(e.config.Path, promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", e.config.Port))
	if err != nil {
		return fmt.Errorf("metrics: listening on port %d: %w", e.config.Port, err)
	}

	e.ln = ln
	e.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	e.running = true

	go func() {
		_ = e.server.Serve(ln)
	}()

	return nil
}

// Stop shuts the metrics endpoint down.
func (e *PrometheusExporter) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return nil
	}
	e.running = false
	return e.server.Shutdown(ctx)
}

// Addr returns the listener address, or empty if not running.
func (e *PrometheusExporter) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ln == nil {
		return ""
	}
	return e.ln.Addr().String()
}

// Registry exposes the underlying registry, mainly for tests.
func (e *PrometheusExporter) Registry() *prometheus.Registry {
	return e.registry
}

// CountOutcome increments the items counter for an outcome label.
func (e *PrometheusExporter) CountOutcome(outcome string) {
	e.itemsTotal.WithLabelValues(outcome).Inc()
}

// ObserveItemLatency records one submit-to-resolution latency.
func (e *PrometheusExporter) ObserveItemLatency(latency time.Duration) {
	e.itemLatency.Observe(latency.Seconds())
}

// SetCurrentTPS updates the current rate gauge.
func (e *PrometheusExporter) SetCurrentTPS(tps float64) {
	e.currentTPS.Set(tps)
}

// SetControllerPhase updates the phase gauge.
func (e *PrometheusExporter) SetControllerPhase(code int) {
	e.controllerPhase.Set(float64(code))
}

// SetQueueDepth updates the queue depth gauge.
func (e *PrometheusExporter) SetQueueDepth(depth int) {
	e.queueDepth.Set(float64(depth))
}

// SetBackpressureLevel updates the backpressure gauge.
func (e *PrometheusExporter) SetBackpressureLevel(level float64) {
	e.backpressureLevel.Set(level)
}

// SetInFlightBatches updates the in-flight batches gauge.
func (e *PrometheusExporter) SetInFlightBatches(n int) {
	e.inFlightBatches.Set(float64(n))
}

// SetPoolOccupancy updates the pool gauges.
func (e *PrometheusExporter) SetPoolOccupancy(inUse, waiting int) {
	e.poolInUse.Set(float64(inUse))
	e.poolWaiting.Set(float64(waiting))
}
