package main

import (
	"github.com/pthm-cable/forage/config"
)

// ParamSpec defines a single tunable parameter.
type ParamSpec struct {
	Name    string  // Human-readable name
	Path    string  // Config path for logging
	Min     float64 // Lower bound
	Max     float64 // Upper bound
	Default float64 // Default value
}

// ParamVector holds the set of all tunable parameters.
type ParamVector struct {
	Specs []ParamSpec
}

// NewParamVector creates the standard set of tunable parameters.
func NewParamVector() *ParamVector {
	return &ParamVector{
		Specs: []ParamSpec{
			// Pre-conditioning
			{Name: "gamma", Path: "diffusion.gamma", Min: 0, Max: 1, Default: 0.2},
			{Name: "alpha", Path: "advection.alpha", Min: 0, Max: 0.6, Default: 0.1},
			// Particle filter
			{Name: "move_prob", Path: "particles.move_prob", Min: 0, Max: 1, Default: 0.7},
			{Name: "obs_exponent", Path: "particles.obs_exponent", Min: 0.25, Max: 6, Default: 2.0},
			// Ensemble (weights need not sum to 1)
			{Name: "stat_weight", Path: "blend.stat_weight", Min: 0, Max: 1.5, Default: 0.5},
			{Name: "filter_weight", Path: "blend.filter_weight", Min: 0, Max: 1.5, Default: 0.5},
		},
	}
}

// Dim returns the number of parameters.
func (pv *ParamVector) Dim() int {
	return len(pv.Specs)
}

// DefaultVector returns the default parameter values as a slice.
func (pv *ParamVector) DefaultVector() []float64 {
	v := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		v[i] = spec.Default
	}
	return v
}

// Normalize converts raw parameter values to [0,1] range.
func (pv *ParamVector) Normalize(raw []float64) []float64 {
	normalized := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		normalized[i] = (raw[i] - spec.Min) / (spec.Max - spec.Min)
	}
	return normalized
}

// Denormalize converts [0,1] values back to raw parameter values.
func (pv *ParamVector) Denormalize(normalized []float64) []float64 {
	raw := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		raw[i] = spec.Min + normalized[i]*(spec.Max-spec.Min)
	}
	return raw
}

// Clamp ensures all values are within bounds.
func (pv *ParamVector) Clamp(v []float64) []float64 {
	clamped := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		clamped[i] = min(max(v[i], spec.Min), spec.Max)
	}
	return clamped
}

// ApplyToConfig writes clamped parameter values into cfg.
// Order must match Specs order.
func (pv *ParamVector) ApplyToConfig(cfg *config.Config, values []float64) {
	c := pv.Clamp(values)

	cfg.Diffusion.Gamma = c[0]
	cfg.Advection.Alpha = c[1]
	cfg.Particles.MoveProb = c[2]
	cfg.Particles.ObsExponent = c[3]
	cfg.Blend.StatWeight = c[4]
	cfg.Blend.FilterWeight = c[5]
}

// ExtractFromConfig extracts current parameter values from cfg.
func (pv *ParamVector) ExtractFromConfig(cfg *config.Config) []float64 {
	return []float64{
		cfg.Diffusion.Gamma,
		cfg.Advection.Alpha,
		cfg.Particles.MoveProb,
		cfg.Particles.ObsExponent,
		cfg.Blend.StatWeight,
		cfg.Blend.FilterWeight,
	}
}

// TuneRecord is one row of tune_log.csv.
type TuneRecord struct {
	Eval         int     `csv:"eval"`
	Fitness      float64 `csv:"fitness"`
	Gamma        float64 `csv:"gamma"`
	Alpha        float64 `csv:"alpha"`
	MoveProb     float64 `csv:"move_prob"`
	ObsExponent  float64 `csv:"obs_exponent"`
	StatWeight   float64 `csv:"stat_weight"`
	FilterWeight float64 `csv:"filter_weight"`
}

// Record builds a log row from clamped parameter values.
func (pv *ParamVector) Record(eval int, fitness float64, values []float64) TuneRecord {
	c := pv.Clamp(values)
	return TuneRecord{
		Eval:         eval,
		Fitness:      fitness,
		Gamma:        c[0],
		Alpha:        c[1],
		MoveProb:     c[2],
		ObsExponent:  c[3],
		StatWeight:   c[4],
		FilterWeight: c[5],
	}
}
