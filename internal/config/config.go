// Package config provides configuration structures for the pipeline.
// The main Config struct ties together all batchpipe components.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/batchpipe/internal/batcher"
	"github.com/example/batchpipe/internal/metrics"
	"github.com/example/batchpipe/internal/ratectrl"
	"github.com/example/batchpipe/internal/runner"
	"github.com/example/batchpipe/internal/simbackend"
)

// Errors returned by the config package.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("config: invalid configuration")
	// ErrConfigNotFound is returned when the config file is not found.
	ErrConfigNotFound = errors.New("config: configuration file not found")
)

// Config is the root configuration structure for the pipeline.
type Config struct {
	// Name is a descriptive name for this configuration.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Run configures the driver.
	Run runner.Config `yaml:"run,omitempty" json:"run,omitempty"`

	// Batcher configures the micro-batcher.
	Batcher batcher.Config `yaml:"batcher,omitempty" json:"batcher,omitempty"`

	// Controller configures the rate controller.
	Controller ratectrl.Config `yaml:"controller,omitempty" json:"controller,omitempty"`

	// Pool configures the simulated downstream connection pool.
	Pool PoolConfig `yaml:"pool,omitempty" json:"pool,omitempty"`

	// Backend configures the simulated downstream backend.
	Backend simbackend.Config `yaml:"backend,omitempty" json:"backend,omitempty"`

	// Metrics configures the sliding-window collector.
	Metrics metrics.Config `yaml:"metrics,omitempty" json:"metrics,omitempty"`

	// Prometheus configures the scrape endpoint.
	Prometheus metrics.PrometheusConfig `yaml:"prometheus,omitempty" json:"prometheus,omitempty"`
}

// PoolConfig holds the downstream pool settings.
type PoolConfig struct {
	// Capacity is the number of concurrent downstream slots.
	// Default: 8
	Capacity int `yaml:"capacity,omitempty" json:"capacity,omitempty"`
}

// Default returns a configuration with every field at its default.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults applies default values to unset fields.
func (c *Config) ApplyDefaults() {
	if c.Run.Duration == 0 {
		c.Run.Duration = 60 * time.Second
	}
	if c.Pool.Capacity == 0 {
		c.Pool.Capacity = 8
	}
	if c.Prometheus.Port == 0 {
		c.Prometheus.Port = 9090
	}
	if c.Prometheus.Path == "" {
		c.Prometheus.Path = "/metrics"
	}
	c.Batcher = batcher.WithDefaults(c.Batcher)
	c.Controller = ratectrl.WithDefaults(c.Controller)
}

// Validate checks the whole configuration, collecting every violation.
func (c *Config) Validate() error {
	var violations []error

	if c.Run.Duration < 0 {
		violations = append(violations, fmt.Errorf("run: duration must not be negative, got %v", c.Run.Duration))
	}
	if c.Pool.Capacity < 1 {
		violations = append(violations, fmt.Errorf("pool: capacity must be at least 1, got %d", c.Pool.Capacity))
	}
	if c.Backend.FailureRate < 0 || c.Backend.FailureRate > 1 {
		violations = append(violations, fmt.Errorf("backend: failureRate must be in [0, 1], got %g", c.Backend.FailureRate))
	}
	if c.Backend.BaseLatency < 0 {
		violations = append(violations, fmt.Errorf("backend: baseLatency must not be negative, got %v", c.Backend.BaseLatency))
	}
	if c.Prometheus.Enabled && (c.Prometheus.Port < 0 || c.Prometheus.Port > 65535) {
		violations = append(violations, fmt.Errorf("prometheus: port must be in [0, 65535], got %d", c.Prometheus.Port))
	}
	if err := c.Batcher.Validate(); err != nil {
		violations = append(violations, err)
	}
	if err := c.Controller.Validate(); err != nil {
		violations = append(violations, err)
	}

	if len(violations) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(violations...))
	}
	return nil
}
