package telemetry

import (
	"log/slog"
	"math"

	"github.com/pthm-cable/forage/evaluate"
	"github.com/pthm-cable/forage/grid"
)

// Collector accumulates bin stats and scored cells over a run and produces
// the run summary and reliability curve.
type Collector struct {
	bins          int
	scoredBins    int
	brierSum      float64
	essSum        float64
	entropySum    float64
	uniformPriors int
	fallbacks     int

	// Every scored (outcome, forecast) pair across the run
	y []float64
	p []float64
}

// NewCollector creates an empty run collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Record adds one bin's stats.
func (c *Collector) Record(s BinStats) {
	c.bins++
	c.essSum += s.MeanESS
	c.entropySum += s.BeliefEntropy
	if s.UniformPrior {
		c.uniformPriors++
	}
	c.fallbacks += s.WeightFallback
	if !math.IsNaN(s.Brier) {
		c.scoredBins++
		c.brierSum += s.Brier
	}
}

// Score adds the observed cells of one bin to the reliability sample.
func (c *Collector) Score(forecast, observed grid.Field) error {
	y, p, err := evaluate.Pair(forecast, observed)
	if err != nil {
		return err
	}
	c.y = append(c.y, y...)
	c.p = append(c.p, p...)
	return nil
}

// RunStats summarizes a whole run.
type RunStats struct {
	Bins           int     `yaml:"bins"`
	ScoredBins     int     `yaml:"scored_bins"`
	MeanBrier      float64 `yaml:"mean_brier"` // NaN when nothing was scored
	PooledBrier    float64 `yaml:"pooled_brier"`
	LogLoss        float64 `yaml:"log_loss"`
	MeanESS        float64 `yaml:"mean_ess"`
	MeanEntropy    float64 `yaml:"mean_entropy"`
	UniformPriors  int     `yaml:"uniform_priors"`
	WeightFallback int     `yaml:"weight_fallback"`
}

// Flush produces the run summary.
func (c *Collector) Flush() RunStats {
	s := RunStats{
		Bins:           c.bins,
		ScoredBins:     c.scoredBins,
		MeanBrier:      math.NaN(),
		PooledBrier:    math.NaN(),
		LogLoss:        math.NaN(),
		UniformPriors:  c.uniformPriors,
		WeightFallback: c.fallbacks,
	}
	if c.bins > 0 {
		s.MeanESS = c.essSum / float64(c.bins)
		s.MeanEntropy = c.entropySum / float64(c.bins)
	}
	if c.scoredBins > 0 {
		s.MeanBrier = c.brierSum / float64(c.scoredBins)
	}
	if len(c.y) > 0 {
		// Lengths always match here.
		s.PooledBrier, _ = evaluate.Brier(c.y, c.p)
		s.LogLoss, _ = evaluate.LogLoss(c.y, c.p)
	}
	return s
}

// Reliability returns the reliability curve over every scored cell.
func (c *Collector) Reliability(bins int) ([]evaluate.ReliabilityBin, error) {
	return evaluate.ReliabilityCurve(c.y, c.p, bins)
}

// LogValue implements slog.LogValuer for structured logging.
func (s RunStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("bins", s.Bins),
		slog.Int("scored_bins", s.ScoredBins),
		slog.Float64("mean_brier", s.MeanBrier),
		slog.Float64("pooled_brier", s.PooledBrier),
		slog.Float64("log_loss", s.LogLoss),
		slog.Float64("mean_ess", s.MeanESS),
		slog.Float64("mean_entropy", s.MeanEntropy),
		slog.Int("uniform_priors", s.UniformPriors),
		slog.Int("weight_fallback", s.WeightFallback),
	)
}
