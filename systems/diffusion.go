package systems

import (
	"errors"
	"fmt"
	"math"

	"github.com/pthm-cable/forage/grid"
)

// ErrInvalidParameter is returned when an operator argument is outside its
// documented range or a caller contract is violated.
var ErrInvalidParameter = errors.New("systems: invalid parameter")

// Diffuse smooths field toward local neighborhood means:
//
//	out[c] = (1-gamma)*field[c] + gamma*mean(field[n] for n in adj[c])
//
// The sweep is synchronous: every mean is taken over the input values, never
// over values already written. Cells without neighbors keep their value.
// Outputs stay within the range of the inputs.
//
// Total mass is only preserved when adjacency is symmetric and regular. With
// directed or irregular neighbor lists the sum drifts; that is a property of
// neighborhood averaging, not something this function corrects.
func Diffuse(field grid.Field, adj grid.Adjacency, gamma float64) (grid.Field, error) {
	if err := checkUnit("gamma", gamma); err != nil {
		return nil, err
	}

	out := make(grid.Field, len(field))
	for _, c := range field.Cells() {
		own := field[c]
		nbrs := adj.Lookup(c)
		if len(nbrs) == 0 {
			out[c] = own
			continue
		}

		var sum float64
		for _, n := range nbrs {
			v, err := field.Lookup(n)
			if err != nil {
				return nil, fmt.Errorf("diffusing %q: %w", c, err)
			}
			sum += v
		}
		mean := sum / float64(len(nbrs))

		// Lerp form: exact at gamma=0, no overshoot past mean at gamma=1
		out[c] = own + gamma*(mean-own)
	}
	return out, nil
}

// checkUnit rejects values outside [0,1] (including NaN).
func checkUnit(name string, v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("%w: %s must be in [0,1], got %g", ErrInvalidParameter, name, v)
	}
	return nil
}
