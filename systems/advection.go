package systems

import (
	"fmt"
	"math"

	"github.com/pthm-cable/forage/grid"
)

// Wind is a constant transport vector for one advection step.
type Wind struct {
	U float64 // east-west component
	V float64 // north-south component
}

// Magnitude returns the wind speed.
func (w Wind) Magnitude() float64 {
	return math.Hypot(w.U, w.V)
}

// Advect moves a fraction alpha of each cell's mass to its most downwind
// neighbor: the neighbor whose displacement has the largest dot product with
// the wind. Ties go to the neighbor listed first. Cells without neighbors are
// left alone.
//
// Transfer amounts are computed from the input field, so the result does not
// depend on the order sources are visited; a cell that is the target of
// several sources receives the sum of their transfers. Every unit removed
// from a source is added to exactly one destination, so total mass is
// conserved.
func Advect(field grid.Field, coords grid.Coordinates, adj grid.Adjacency, alpha float64, wind Wind) (grid.Field, error) {
	if err := checkUnit("alpha", alpha); err != nil {
		return nil, err
	}

	out := field.Clone()
	for _, c := range field.Cells() {
		nbrs := adj.Lookup(c)
		if len(nbrs) == 0 {
			continue
		}

		best, err := downwind(c, nbrs, coords, wind)
		if err != nil {
			return nil, fmt.Errorf("advecting %q: %w", c, err)
		}
		if _, err := field.Lookup(best); err != nil {
			return nil, fmt.Errorf("advecting %q: %w", c, err)
		}

		t := alpha * field[c]
		out[c] -= t
		out[best] += t
	}
	return out, nil
}

// downwind returns the neighbor of c best aligned with the wind.
func downwind(c grid.Cell, nbrs []grid.Cell, coords grid.Coordinates, wind Wind) (grid.Cell, error) {
	p, err := coords.Lookup(c)
	if err != nil {
		return "", err
	}

	var best grid.Cell
	bestDot := math.Inf(-1)
	for i, n := range nbrs {
		q, err := coords.Lookup(n)
		if err != nil {
			return "", err
		}
		dot := (q.X-p.X)*wind.U + (q.Y-p.Y)*wind.V
		// Strict comparison keeps the first neighbor on ties
		if i == 0 || dot > bestDot {
			best, bestDot = n, dot
		}
	}
	return best, nil
}
