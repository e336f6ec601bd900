package telemetry

import (
	"log/slog"
	"math"
	"slices"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/pthm-cable/forage/grid"
	"github.com/pthm-cable/forage/systems"
)

// BinStats holds aggregated statistics for one forecast bin.
type BinStats struct {
	RunID string `csv:"run_id"`
	Bin   int    `csv:"bin"`
	Time  string `csv:"time"`
	Cells int    `csv:"cells"`

	// Field masses
	ScoreMass   float64 `csv:"score_mass"`
	PriorMass   float64 `csv:"prior_mass"` // after diffusion/advection
	BlendedMass float64 `csv:"blended_mass"`

	// Blended score distribution across cells
	BlendedMean float64 `csv:"blended_mean"`
	BlendedP10  float64 `csv:"blended_p10"`
	BlendedP50  float64 `csv:"blended_p50"`
	BlendedP90  float64 `csv:"blended_p90"`

	// Particle filter
	BeliefEntropy  float64 `csv:"belief_entropy"` // nats
	MeanESS        float64 `csv:"mean_ess"`
	MinESS         float64 `csv:"min_ess"`
	Occupied       int     `csv:"occupied"`
	UniformPrior   bool    `csv:"uniform_prior"`
	WeightFallback int     `csv:"weight_fallback"`

	// Ranking
	TopCell string  `csv:"top_cell"`
	TopP    float64 `csv:"top_p"`

	// Skill against observations (NaN when the bin has none)
	Brier float64 `csv:"brier"`
}

// FieldSet bundles the fields produced while forecasting one bin.
type FieldSet struct {
	Score   grid.Field
	Prior   grid.Field
	Belief  grid.Field
	Blended grid.Field
}

// ComputeBinStats summarizes one bin. Brier is left NaN for the caller
// to fill in when observations exist.
func ComputeBinStats(bin int, time string, fs FieldSet, diag systems.Diagnostics) BinStats {
	s := BinStats{
		Bin:            bin,
		Time:           time,
		Cells:          len(fs.Blended),
		ScoreMass:      fs.Score.Sum(),
		PriorMass:      fs.Prior.Sum(),
		BlendedMass:    fs.Blended.Sum(),
		BeliefEntropy:  Entropy(fs.Belief),
		MeanESS:        diag.MeanESS(),
		Occupied:       diag.Occupied,
		UniformPrior:   diag.UniformPrior,
		WeightFallback: diag.WeightFallback,
		Brier:          math.NaN(),
	}
	if len(diag.ESS) > 0 {
		s.MinESS = slices.Min(diag.ESS)
	}

	values := make([]float64, 0, len(fs.Blended))
	for _, c := range fs.Blended.Cells() {
		values = append(values, fs.Blended[c])
	}
	s.BlendedMean, s.BlendedP10, s.BlendedP50, s.BlendedP90 = ComputeFieldStats(values)

	if top := grid.TopN(fs.Blended, 1); len(top) > 0 {
		s.TopCell = string(top[0].Cell)
		s.TopP = top[0].Value
	}
	return s
}

// Entropy returns the Shannon entropy of a density field in nats, summed
// in cell order.
func Entropy(f grid.Field) float64 {
	p := make([]float64, 0, len(f))
	for _, c := range f.Cells() {
		p = append(p, f[c])
	}
	return stat.Entropy(p)
}

// Percentile calculates the p-th percentile of a sorted slice.
// p should be in [0, 1]. Returns 0 if slice is empty.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}

	idx := p * float64(n-1)
	lo := int(idx)
	hi := lo + 1
	if hi >= n {
		return sorted[n-1]
	}

	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// ComputeFieldStats calculates mean and percentiles from field values.
func ComputeFieldStats(values []float64) (mean, p10, p50, p90 float64) {
	n := len(values)
	if n == 0 {
		return 0, 0, 0, 0
	}

	mean = stat.Mean(values, nil)

	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	p10 = Percentile(sorted, 0.10)
	p50 = Percentile(sorted, 0.50)
	p90 = Percentile(sorted, 0.90)

	return mean, p10, p50, p90
}

// LogValue implements slog.LogValuer for structured logging.
func (s BinStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("bin", s.Bin),
		slog.String("time", s.Time),
		slog.Int("cells", s.Cells),
		slog.Float64("score_mass", s.ScoreMass),
		slog.Float64("prior_mass", s.PriorMass),
		slog.Float64("blended_mass", s.BlendedMass),
		slog.Float64("blended_p50", s.BlendedP50),
		slog.Float64("belief_entropy", s.BeliefEntropy),
		slog.Float64("mean_ess", s.MeanESS),
		slog.Int("occupied", s.Occupied),
		slog.String("top_cell", s.TopCell),
		slog.Float64("top_p", s.TopP),
		slog.Float64("brier", s.Brier),
	)
}

// LogStats logs the bin stats on l.
func (s BinStats) LogStats(l *slog.Logger) {
	attrs := []any{
		"bin", s.Bin,
		"time", s.Time,
		"blended_mass", s.BlendedMass,
		"belief_entropy", s.BeliefEntropy,
		"mean_ess", s.MeanESS,
		"occupied", s.Occupied,
		"top_cell", s.TopCell,
		"top_p", s.TopP,
	}
	if !math.IsNaN(s.Brier) {
		attrs = append(attrs, "brier", s.Brier)
	}
	if s.UniformPrior || s.WeightFallback > 0 {
		attrs = append(attrs, "uniform_prior", s.UniformPrior, "weight_fallback", s.WeightFallback)
	}
	l.Info("stats", attrs...)
}
