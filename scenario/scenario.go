// Package scenario generates synthetic habitats for exercising the
// forecaster: a lattice, an occupancy surface drifting with the wind, noisy
// model scores, and sampled observations.
package scenario

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/pthm-cable/forage/dataset"
	"github.com/pthm-cable/forage/grid"
)

// Params describes a synthetic scenario.
type Params struct {
	Width, Height int
	Bins          int
	Seed          uint64
	Start         time.Time
	Interval      time.Duration

	SurfaceScale float64 // spatial frequency of the habitat surface
	Drift        float64 // noise time step per bin
	Sharpness    float64 // logistic slope applied to the noise
	Base         float64 // logistic offset; negative values make occupancy rare
	WindSpeed    float64 // mean wind magnitude
	ScoreNoise   float64 // std dev of the model score around the truth
}

// DefaultParams returns a small scenario suitable for tests and demos.
func DefaultParams() Params {
	return Params{
		Width:        12,
		Height:       8,
		Bins:         24,
		Seed:         1,
		Start:        time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC),
		Interval:     15 * time.Minute,
		SurfaceScale: 0.25,
		Drift:        0.15,
		Sharpness:    4,
		Base:         -1,
		WindSpeed:    1.5,
		ScoreNoise:   0.08,
	}
}

func (p Params) validate() error {
	var errs []error
	if p.Width <= 0 || p.Height <= 0 {
		errs = append(errs, fmt.Errorf("lattice must be non-empty, got %dx%d", p.Width, p.Height))
	}
	if p.Bins <= 0 {
		errs = append(errs, fmt.Errorf("bins must be positive, got %d", p.Bins))
	}
	if p.ScoreNoise < 0 || p.WindSpeed < 0 {
		errs = append(errs, errors.New("score noise and wind speed must be non-negative"))
	}
	return errors.Join(errs...)
}

// Scenario is a generated habitat and its per-bin data.
type Scenario struct {
	Topology *grid.Topology
	Rows     []dataset.Row
	Truth    []grid.Field // true occupancy probability per bin
}

// Generate builds a scenario from p. Equal params give equal scenarios.
func Generate(p Params) (*Scenario, error) {
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("scenario: %w", err)
	}

	src := rand.NewPCG(p.Seed, p.Seed+1)
	surface := NewSurface(p)
	gusts := NewGusts(p)
	scoreNoise := distuv.Normal{Mu: 0, Sigma: p.ScoreNoise, Src: src}

	topo := grid.NewLattice(p.Width, p.Height)
	sc := &Scenario{
		Topology: topo,
		Rows:     make([]dataset.Row, 0, p.Bins*len(topo.Cells)),
		Truth:    make([]grid.Field, 0, p.Bins),
	}

	// Accumulated wind displacement; the surface is sampled upstream so it
	// appears to move downwind.
	var offX, offY float64
	for b := 0; b < p.Bins; b++ {
		t := float64(b) * p.Drift
		wind := gusts.Wind(t)
		u, v := wind.U, wind.V
		offX += u * p.Drift
		offY += v * p.Drift

		stamp := p.Start.Add(time.Duration(b) * p.Interval).Format(time.RFC3339)
		truth := make(grid.Field, len(topo.Cells))
		for _, c := range topo.Cells {
			pt := topo.Coords[c]
			q := surface.Occupancy(pt, offX, offY, t)
			truth[c] = q

			count := 0.0
			if q > 0 {
				// P(count > 0) = q
				count = distuv.Poisson{Lambda: -math.Log1p(-min(q, 1-1e-12)), Src: src}.Rand()
			}
			occ := 0
			if count > 0 {
				occ = 1
			}
			score := q
			if p.ScoreNoise > 0 {
				score = grid.Clamp01(q + scoreNoise.Rand())
			}

			sc.Rows = append(sc.Rows, dataset.Row{
				Time:  stamp,
				Cell:  string(c),
				X:     pt.X,
				Y:     pt.Y,
				Count: count,
				Occ:   occ,
				Score: score,
				WindU: u,
				WindV: v,
			})
		}
		sc.Truth = append(sc.Truth, truth)
	}
	return sc, nil
}
