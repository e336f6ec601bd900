// Package config provides configuration loading and access for the forecaster.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Config holds all forecasting configuration parameters.
type Config struct {
	Run       RunConfig       `yaml:"run"`
	Input     InputConfig     `yaml:"input"`
	Diffusion DiffusionConfig `yaml:"diffusion"`
	Advection AdvectionConfig `yaml:"advection"`
	Particles ParticlesConfig `yaml:"particles"`
	Blend     BlendConfig     `yaml:"blend"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	// Derived values computed after loading
	Derived DerivedConfig `yaml:"-"`
}

// RunConfig holds run-level settings.
type RunConfig struct {
	Seed    uint64 `yaml:"seed"`     // RNG seed (0 = time-based, chosen by the caller)
	MaxBins int    `yaml:"max_bins"` // Stop once bin N is reached, counting from bin 0 (0 = all)
}

// InputConfig describes how per-bin statistical scores are interpreted.
type InputConfig struct {
	ScoreKind string `yaml:"score_kind"` // "probability" or "intensity"
}

// DiffusionConfig holds diffusion pre-conditioning parameters.
type DiffusionConfig struct {
	Enabled bool    `yaml:"enabled"`
	Gamma   float64 `yaml:"gamma"` // 0 = no smoothing, 1 = neighbor mean
}

// AdvectionConfig holds wind-driven transport parameters.
type AdvectionConfig struct {
	Enabled bool    `yaml:"enabled"`
	Alpha   float64 `yaml:"alpha"` // Fraction of a cell's mass moved per step
}

// ParticlesConfig holds particle filter parameters.
type ParticlesConfig struct {
	Count       int     `yaml:"count"`
	Steps       int     `yaml:"steps"`
	MoveProb    float64 `yaml:"move_prob"`
	ObsExponent float64 `yaml:"obs_exponent"`
	Epsilon     float64 `yaml:"epsilon"`    // Weight floor
	Resampler   string  `yaml:"resampler"`  // "multinomial" or "systematic"
	Workers     int     `yaml:"workers"`    // 0 = GOMAXPROCS
	ChunkSize   int     `yaml:"chunk_size"` // Particles per work unit
}

// BlendConfig holds ensemble weights.
type BlendConfig struct {
	StatWeight   float64 `yaml:"stat_weight"`   // Weight of the statistical score
	FilterWeight float64 `yaml:"filter_weight"` // Weight of the particle filter belief
}

// TelemetryConfig holds telemetry parameters.
type TelemetryConfig struct {
	TopN            int `yaml:"top_n"`
	PerfWindow      int `yaml:"perf_window"`      // Bins averaged in perf stats
	ReliabilityBins int `yaml:"reliability_bins"` // Quantile bins in reliability.csv
	SnapshotEvery   int `yaml:"snapshot_every"`   // Write a belief snapshot every N bins (0 = never)
	BookmarkHistory int `yaml:"bookmark_history"` // Bins of history for bookmark detection
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // e.g. ":9090" (empty = disabled)
}

// DerivedConfig holds computed values derived from the loaded config.
type DerivedConfig struct {
	Intensity  bool    // Input.ScoreKind == "intensity"
	Systematic bool    // Particles.Resampler == "systematic"
	WeightSum  float64 // Blend.StatWeight + Blend.FilterWeight
}

// global holds the loaded configuration.
var global *Config

// Init loads configuration from the given path, or uses embedded defaults if path is empty.
// Must be called before Cfg().
func Init(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	global = cfg
	return nil
}

// MustInit is like Init but panics on error.
func MustInit(path string) {
	if err := Init(path); err != nil {
		panic(fmt.Sprintf("config: failed to initialize: %v", err))
	}
}

// Cfg returns the global configuration. Panics if Init was not called.
func Cfg() *Config {
	if global == nil {
		panic("config: Cfg() called before Init()")
	}
	return global
}

// Defaults returns a fresh copy of the embedded defaults.
func Defaults() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("config: embedded defaults invalid: %v", err))
	}
	return cfg
}

// Load loads configuration from a YAML file, merging with embedded defaults.
// If path is empty, only embedded defaults are used.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Unmarshal into same struct - only overwrites fields present in file
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.computeDerived()

	return cfg, nil
}

// Validate checks that the configuration values are in range.
func (c *Config) Validate() error {
	var errs []error
	unit := func(name string, v float64) {
		if math.IsNaN(v) || v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be between 0 and 1, got %g", name, v))
		}
	}

	switch c.Input.ScoreKind {
	case "probability", "intensity":
	default:
		errs = append(errs, fmt.Errorf("input.score_kind must be probability or intensity, got %q", c.Input.ScoreKind))
	}

	unit("diffusion.gamma", c.Diffusion.Gamma)
	unit("advection.alpha", c.Advection.Alpha)
	unit("particles.move_prob", c.Particles.MoveProb)

	if c.Particles.Count <= 0 {
		errs = append(errs, fmt.Errorf("particles.count must be positive, got %d", c.Particles.Count))
	}
	if c.Particles.Steps < 0 {
		errs = append(errs, fmt.Errorf("particles.steps must be non-negative, got %d", c.Particles.Steps))
	}
	if e := c.Particles.ObsExponent; math.IsNaN(e) || math.IsInf(e, 0) || e < 0 {
		errs = append(errs, fmt.Errorf("particles.obs_exponent must be finite and non-negative, got %g", e))
	}
	if !(c.Particles.Epsilon > 0) {
		errs = append(errs, fmt.Errorf("particles.epsilon must be positive, got %g", c.Particles.Epsilon))
	}
	if c.Particles.Workers < 0 || c.Particles.ChunkSize < 0 {
		errs = append(errs, errors.New("particles.workers and particles.chunk_size must be non-negative"))
	}
	switch c.Particles.Resampler {
	case "multinomial", "systematic":
	default:
		errs = append(errs, fmt.Errorf("particles.resampler must be multinomial or systematic, got %q", c.Particles.Resampler))
	}
	if c.Telemetry.TopN < 0 || c.Telemetry.SnapshotEvery < 0 {
		errs = append(errs, errors.New("telemetry.top_n and telemetry.snapshot_every must be non-negative"))
	}
	if c.Telemetry.ReliabilityBins <= 0 {
		errs = append(errs, fmt.Errorf("telemetry.reliability_bins must be positive, got %d", c.Telemetry.ReliabilityBins))
	}
	if c.Run.MaxBins < 0 {
		errs = append(errs, fmt.Errorf("run.max_bins must be non-negative, got %d", c.Run.MaxBins))
	}

	return errors.Join(errs...)
}

// computeDerived calculates values derived from loaded config.
func (c *Config) computeDerived() {
	c.Derived.Intensity = c.Input.ScoreKind == "intensity"
	c.Derived.Systematic = c.Particles.Resampler == "systematic"
	c.Derived.WeightSum = c.Blend.StatWeight + c.Blend.FilterWeight
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

// Recompute re-validates the configuration and refreshes derived values
// after fields were changed in place.
func (c *Config) Recompute() error {
	if err := c.Validate(); err != nil {
		return err
	}
	c.computeDerived()
	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
