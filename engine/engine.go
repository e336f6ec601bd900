// Package engine threads a belief field through successive time bins:
// pre-conditioning, particle filtering and blending with the statistical
// model's scores.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"

	"github.com/pthm-cable/forage/config"
	"github.com/pthm-cable/forage/dataset"
	"github.com/pthm-cable/forage/grid"
	"github.com/pthm-cable/forage/systems"
	"github.com/pthm-cable/forage/telemetry"
)

// ErrNoBins is returned by Run when there is nothing to forecast.
var ErrNoBins = errors.New("engine: no bins")

// Forecast is the result of one bin.
type Forecast struct {
	Bin  int
	Time string

	Score   grid.Field // statistical model output
	Prior   grid.Field // previous output after diffusion and advection
	Belief  grid.Field // particle filter occupancy density
	Blended grid.Field // per-cell output score, the next bin's prior

	Diagnostics systems.Diagnostics
	Top         []grid.Ranked
	Summary     string
	Stats       telemetry.BinStats
}

// Fields returns the forecast's fields as a telemetry set.
func (f *Forecast) Fields() telemetry.FieldSet {
	return telemetry.FieldSet{Score: f.Score, Prior: f.Prior, Belief: f.Belief, Blended: f.Blended}
}

// Sink receives each forecast as it is produced.
type Sink interface {
	Consume(f *Forecast) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(f *Forecast) error

// Consume calls fn(f).
func (fn SinkFunc) Consume(f *Forecast) error { return fn(f) }

// Options configures an Engine.
type Options struct {
	Config   *config.Config
	Topology *grid.Topology
	Seed     uint64 // per-bin random sources are derived from Seed and the bin index

	Logger *slog.Logger             // nil discards logs
	Output *telemetry.OutputManager // nil disables file output
}

// Engine forecasts bin after bin, carrying its output forward as the next
// prior. An Engine is not safe for concurrent use.
type Engine struct {
	cfg    *config.Config
	topo   *grid.Topology
	seed   uint64
	params systems.FilterParams
	pf     *systems.ParticleFilter

	prev grid.Field
	bin  int

	logger        *slog.Logger
	outputManager *telemetry.OutputManager
	perfCollector *telemetry.PerfCollector
	collector     *telemetry.Collector
	bookmarks     *telemetry.BookmarkDetector
}

// New validates the topology and prepares an engine.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, errors.New("engine: nil config")
	}
	if opts.Topology == nil || len(opts.Topology.Cells) == 0 {
		return nil, errors.New("engine: empty topology")
	}
	if err := opts.Topology.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	params, err := FilterParams(opts.Config)
	if err != nil {
		return nil, err
	}
	pf, err := systems.NewParticleFilter(params)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Engine{
		cfg:           opts.Config,
		topo:          opts.Topology,
		seed:          opts.Seed,
		params:        pf.Params(),
		pf:            pf,
		logger:        logger,
		outputManager: opts.Output,
		perfCollector: telemetry.NewPerfCollector(opts.Config.Telemetry.PerfWindow),
		collector:     telemetry.NewCollector(),
		bookmarks:     telemetry.NewBookmarkDetector(opts.Config.Telemetry.BookmarkHistory),
	}, nil
}

// FilterParams maps the particles section of cfg to filter parameters.
func FilterParams(cfg *config.Config) (systems.FilterParams, error) {
	r, err := systems.ParseResampler(cfg.Particles.Resampler)
	if err != nil {
		return systems.FilterParams{}, err
	}
	return systems.FilterParams{
		Count:       cfg.Particles.Count,
		Steps:       cfg.Particles.Steps,
		MoveProb:    cfg.Particles.MoveProb,
		ObsExponent: cfg.Particles.ObsExponent,
		Epsilon:     cfg.Particles.Epsilon,
		Resampler:   r,
		Workers:     cfg.Particles.Workers,
		ChunkSize:   cfg.Particles.ChunkSize,
	}, nil
}

// Close releases the engine's worker goroutines.
func (e *Engine) Close() {
	e.pf.Close()
}

// Belief returns the field carried into the next bin (nil before the
// first bin).
func (e *Engine) Belief() grid.Field {
	return e.prev.Clone()
}

// BinIndex returns the index the next bin will be given.
func (e *Engine) BinIndex() int {
	return e.bin
}

// Resume continues from a snapshot: its belief becomes the next prior and
// a nonzero snapshot seed replaces the engine's seed.
func (e *Engine) Resume(s *telemetry.Snapshot) error {
	belief, err := e.topo.Restrict(s.Belief)
	if err != nil {
		return fmt.Errorf("engine: resuming: %w", err)
	}
	e.prev = belief
	e.bin = s.Bin + 1
	if s.Seed != 0 {
		e.seed = s.Seed
	}
	return nil
}

// Seed returns the seed per-bin sources are derived from.
func (e *Engine) Seed() uint64 {
	return e.seed
}

// binSource returns the random source for bin k. It depends only on the
// seed and k so a resumed run draws the same numbers.
func (e *Engine) binSource(k int) rand.Source {
	return rand.NewPCG(e.seed, uint64(k))
}

// Step forecasts one bin and advances the engine.
func (e *Engine) Step(b dataset.Bin) (*Forecast, error) {
	score, err := e.topo.Restrict(b.Scores)
	if err != nil {
		return nil, fmt.Errorf("bin %q scores: %w", b.Time, err)
	}

	e.perfCollector.StartBin()
	f, err := e.forecast(e.bin, b, score)
	if err != nil {
		e.perfCollector.EndBin()
		return nil, fmt.Errorf("bin %q: %w", b.Time, err)
	}

	e.perfCollector.StartPhase(telemetry.PhaseTelemetry)
	e.flushTelemetry(f, b.Observed)
	e.perfCollector.EndBin()

	e.prev = f.Blended
	e.bin++
	return f, nil
}

// forecast runs the operator pipeline for one bin.
func (e *Engine) forecast(k int, b dataset.Bin, score grid.Field) (*Forecast, error) {
	prior := e.prev
	if prior == nil {
		prior = score
	}

	var err error
	if e.cfg.Diffusion.Enabled {
		e.perfCollector.StartPhase(telemetry.PhaseDiffusion)
		prior, err = systems.Diffuse(prior, e.topo.Adjacency, e.cfg.Diffusion.Gamma)
		if err != nil {
			recordError(telemetry.PhaseDiffusion)
			return nil, err
		}
	}
	if e.cfg.Advection.Enabled {
		e.perfCollector.StartPhase(telemetry.PhaseAdvection)
		prior, err = systems.Advect(prior, e.topo.Coords, e.topo.Adjacency, e.cfg.Advection.Alpha, b.Wind)
		if err != nil {
			recordError(telemetry.PhaseAdvection)
			return nil, err
		}
	}

	e.perfCollector.StartPhase(telemetry.PhaseParticleFilter)
	belief, diag, err := e.pf.Estimate(prior, e.topo.Adjacency, e.binSource(k))
	if err != nil {
		recordError(telemetry.PhaseParticleFilter)
		return nil, err
	}

	e.perfCollector.StartPhase(telemetry.PhaseBlend)
	blended := systems.Blend(score, belief, e.cfg.Blend.StatWeight, e.cfg.Blend.FilterWeight)

	top := grid.TopN(blended, e.cfg.Telemetry.TopN)
	return &Forecast{
		Bin:         k,
		Time:        b.Time,
		Score:       score,
		Prior:       prior,
		Belief:      belief,
		Blended:     blended,
		Diagnostics: diag,
		Top:         top,
		Summary:     telemetry.Summary(top),
	}, nil
}

// Run steps through bins until they are exhausted, the engine's bin index
// reaches run.max_bins, or ctx is cancelled. Each forecast is handed to
// sink (which may be nil) before the next bin starts.
func (e *Engine) Run(ctx context.Context, bins []dataset.Bin, sink Sink) error {
	if len(bins) == 0 {
		return ErrNoBins
	}
	// run.max_bins counts from bin 0, so a resumed run stops where the
	// uninterrupted one would.
	limit := len(bins)
	if m := e.cfg.Run.MaxBins; m > 0 {
		limit = min(limit, max(m-e.bin, 0))
	}

	for i := 0; i < limit; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := e.Step(bins[i])
		if err != nil {
			return err
		}
		if sink != nil {
			if err := sink.Consume(f); err != nil {
				return fmt.Errorf("bin %q: sink: %w", f.Time, err)
			}
		}
	}
	return nil
}
