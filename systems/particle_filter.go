package systems

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/pthm-cable/forage/grid"
)

// Resampler selects how a weighted particle population is redrawn.
type Resampler uint8

const (
	Multinomial Resampler = iota // independent categorical draws
	Systematic                   // single-offset comb over the weight CDF
)

// String returns the config name of the resampler.
func (r Resampler) String() string {
	switch r {
	case Multinomial:
		return "multinomial"
	case Systematic:
		return "systematic"
	}
	return fmt.Sprintf("Resampler(%d)", uint8(r))
}

// ParseResampler maps a config name to a Resampler.
func ParseResampler(s string) (Resampler, error) {
	switch s {
	case "", "multinomial":
		return Multinomial, nil
	case "systematic":
		return Systematic, nil
	}
	return 0, fmt.Errorf("%w: unknown resampler %q", ErrInvalidParameter, s)
}

// DefaultEpsilon is the weight floor applied before exponentiation.
const DefaultEpsilon = 1e-6

// DefaultChunkSize is the number of particles per work unit.
const DefaultChunkSize = 256

// FilterParams configures a particle filter run.
type FilterParams struct {
	Count       int       // particles in the population
	Steps       int       // transition/reweight/resample cycles
	MoveProb    float64   // chance a particle hops to a neighbor each step
	ObsExponent float64   // sharpening exponent on the prior likelihood
	Epsilon     float64   // weight floor (0 = DefaultEpsilon)
	Resampler   Resampler // resampling scheme
	Workers     int       // worker goroutines (0 = GOMAXPROCS)
	ChunkSize   int       // particles per work unit (0 = DefaultChunkSize)
}

// DefaultFilterParams returns the parameters the forecaster ships with.
func DefaultFilterParams() FilterParams {
	return FilterParams{
		Count:       2000,
		Steps:       3,
		MoveProb:    0.7,
		ObsExponent: 2.0,
		Epsilon:     DefaultEpsilon,
		Resampler:   Multinomial,
		ChunkSize:   DefaultChunkSize,
	}
}

func (p FilterParams) validate() error {
	if p.Count <= 0 {
		return fmt.Errorf("%w: particle count must be positive, got %d", ErrInvalidParameter, p.Count)
	}
	if p.Steps < 0 {
		return fmt.Errorf("%w: step count must be non-negative, got %d", ErrInvalidParameter, p.Steps)
	}
	if err := checkUnit("move probability", p.MoveProb); err != nil {
		return err
	}
	if math.IsNaN(p.ObsExponent) || math.IsInf(p.ObsExponent, 0) || p.ObsExponent < 0 {
		return fmt.Errorf("%w: observation exponent must be finite and non-negative, got %g", ErrInvalidParameter, p.ObsExponent)
	}
	if p.Epsilon < 0 || math.IsNaN(p.Epsilon) {
		return fmt.Errorf("%w: epsilon must be positive, got %g", ErrInvalidParameter, p.Epsilon)
	}
	return nil
}

// Diagnostics describes how a filter run behaved.
type Diagnostics struct {
	ESS            []float64 // effective sample size before each resampling
	Occupied       int       // distinct cells holding particles at the end
	UniformPrior   bool      // prior summed to zero; initialized uniformly
	WeightFallback int       // steps whose weights underflowed to uniform
}

// MeanESS returns the mean effective sample size across steps (0 when no
// step ran).
func (d Diagnostics) MeanESS() float64 {
	if len(d.ESS) == 0 {
		return 0
	}
	return floats.Sum(d.ESS) / float64(len(d.ESS))
}

// ParticleFilter estimates an occupancy density by sequential Monte Carlo
// on the cell graph. A ParticleFilter owns a worker pool; call Close when
// done with it.
//
// The observation likelihood at every step is the same static prior the
// population was drawn from, so the estimator acts as stochastic smoothing
// and exploration around the prior rather than a correction against fresh
// evidence.
type ParticleFilter struct {
	params FilterParams
	pool   *workerPool
}

// NewParticleFilter validates params and prepares a filter.
func NewParticleFilter(params FilterParams) (*ParticleFilter, error) {
	if params.Epsilon == 0 {
		params.Epsilon = DefaultEpsilon
	}
	if params.ChunkSize <= 0 {
		params.ChunkSize = DefaultChunkSize
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	workers := params.Workers
	if params.Count < parallelThreshold {
		workers = 1
	}
	return &ParticleFilter{params: params, pool: newWorkerPool(workers)}, nil
}

// Params returns the filter's effective parameters.
func (pf *ParticleFilter) Params() FilterParams {
	return pf.params
}

// Close stops the filter's worker goroutines.
func (pf *ParticleFilter) Close() {
	pf.pool.stop()
}

// Estimate is a one-shot convenience around NewParticleFilter.
func Estimate(prior grid.Field, adj grid.Adjacency, params FilterParams, src rand.Source) (grid.Field, Diagnostics, error) {
	pf, err := NewParticleFilter(params)
	if err != nil {
		return nil, Diagnostics{}, err
	}
	defer pf.Close()
	return pf.Estimate(prior, adj, src)
}

// cellGraph is the index form of a prior field and its adjacency.
type cellGraph struct {
	cells []grid.Cell
	prior []float64
	nbrs  [][]int32
}

func compileGraph(prior grid.Field, adj grid.Adjacency) (*cellGraph, error) {
	cells := prior.Cells()
	index := make(map[grid.Cell]int32, len(cells))
	for i, c := range cells {
		index[c] = int32(i)
	}

	g := &cellGraph{
		cells: cells,
		prior: make([]float64, len(cells)),
		nbrs:  make([][]int32, len(cells)),
	}
	for i, c := range cells {
		v := prior[c]
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return nil, fmt.Errorf("%w: prior[%q] = %g is not a non-negative finite value", ErrInvalidParameter, c, v)
		}
		g.prior[i] = v

		for _, n := range adj.Lookup(c) {
			j, ok := index[n]
			if !ok {
				return nil, fmt.Errorf("%q neighbor: %w: %q not in field", c, grid.ErrMissingCell, n)
			}
			g.nbrs[i] = append(g.nbrs[i], j)
		}
	}
	return g, nil
}

// Estimate runs the filter over prior and returns the posterior occupancy
// density: the fraction of the final population in each prior cell. All
// randomness is drawn from src, so equal sources give equal results
// regardless of worker count.
func (pf *ParticleFilter) Estimate(prior grid.Field, adj grid.Adjacency, src rand.Source) (grid.Field, Diagnostics, error) {
	var diag Diagnostics
	if len(prior) == 0 {
		return nil, diag, fmt.Errorf("%w: empty cell set", ErrInvalidParameter)
	}
	g, err := compileGraph(prior, adj)
	if err != nil {
		return nil, diag, err
	}

	p := pf.params
	rng := rand.New(src)
	n := p.Count

	// Initialization: categorical over the prior, uniform if it sums to zero
	initW := g.prior
	if floats.Sum(initW) <= 0 {
		initW = make([]float64, len(g.cells))
		for i := range initW {
			initW[i] = 1
		}
		diag.UniformPrior = true
	}
	parts := make([]int32, n)
	cat := distuv.NewCategorical(initW, src)
	for i := range parts {
		parts[i] = int32(cat.Rand())
	}

	weights := make([]float64, n)
	next := make([]int32, n)
	nChunks := (n + p.ChunkSize - 1) / p.ChunkSize
	seeds := make([][2]uint64, nChunks)

	for step := 0; step < p.Steps; step++ {
		// Chunk sub-sources are drawn in order so results do not depend on
		// which worker handles which chunk.
		for k := range seeds {
			seeds[k] = [2]uint64{rng.Uint64(), rng.Uint64()}
		}

		pf.pool.run(nChunks, func(k int) {
			r := rand.New(rand.NewPCG(seeds[k][0], seeds[k][1]))
			lo := k * p.ChunkSize
			hi := min(lo+p.ChunkSize, n)
			for i := lo; i < hi; i++ {
				cur := parts[i]
				if nb := g.nbrs[cur]; len(nb) > 0 && r.Float64() < p.MoveProb {
					cur = nb[r.IntN(len(nb))]
					parts[i] = cur
				}
				weights[i] = math.Pow(max(p.Epsilon, g.prior[cur]), p.ObsExponent)
			}
		})
		// Barrier: every particle has transitioned and been weighted.

		if !normalizeWeights(weights) {
			diag.WeightFallback++
		}
		diag.ESS = append(diag.ESS, effectiveSampleSize(weights))

		switch p.Resampler {
		case Systematic:
			resampleSystematic(parts, weights, next, rng)
		default:
			resampleMultinomial(parts, weights, next, src)
		}
		parts, next = next, parts
	}

	counts := make([]int, len(g.cells))
	for _, c := range parts {
		counts[c]++
	}
	post := make(grid.Field, len(g.cells))
	for i, c := range g.cells {
		post[c] = float64(counts[i]) / float64(n)
		if counts[i] > 0 {
			diag.Occupied++
		}
	}
	return post, diag, nil
}

// normalizeWeights scales w to sum to 1. If the sum is not a positive
// finite number the weights are reset to uniform and false is returned.
func normalizeWeights(w []float64) bool {
	total := floats.Sum(w)
	if total > 0 && !math.IsInf(total, 0) {
		floats.Scale(1/total, w)
		return true
	}
	u := 1 / float64(len(w))
	for i := range w {
		w[i] = u
	}
	return false
}

// effectiveSampleSize returns 1/Σw² for normalized weights.
func effectiveSampleSize(w []float64) float64 {
	ss := floats.Dot(w, w)
	if ss <= 0 {
		return 0
	}
	return 1 / ss
}

// resampleMultinomial draws len(dst) particles independently with
// probability proportional to w.
func resampleMultinomial(parts []int32, w []float64, dst []int32, src rand.Source) {
	cat := distuv.NewCategorical(w, src)
	for i := range dst {
		dst[i] = parts[int(cat.Rand())]
	}
}

// resampleSystematic walks the weight CDF with evenly spaced pointers from
// a single random offset. Same expected counts as multinomial, lower variance.
func resampleSystematic(parts []int32, w []float64, dst []int32, rng *rand.Rand) {
	n := len(dst)
	step := 1 / float64(n)
	u := rng.Float64() * step
	cum := w[0]
	j := 0
	for i := range dst {
		for u > cum && j < len(w)-1 {
			j++
			cum += w[j]
		}
		dst[i] = parts[j]
		u += step
	}
}
