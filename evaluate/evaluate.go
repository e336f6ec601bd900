// Package evaluate scores forecasts against observed occupancy.
package evaluate

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/pthm-cable/forage/grid"
)

// ErrLengthMismatch is returned when outcome and prediction slices differ
// in length.
var ErrLengthMismatch = errors.New("evaluate: length mismatch")

// logLossClip bounds predictions away from 0 and 1 in LogLoss.
const logLossClip = 1e-15

// ReliabilityBin is one point on a reliability diagram.
type ReliabilityBin struct {
	PMean float64 `csv:"p_mean"` // mean predicted probability
	YRate float64 `csv:"y_rate"` // observed positive rate
	Count int     `csv:"count"`
}

// ReliabilityCurve groups predictions into up to bins quantile bins and
// compares the mean prediction with the observed rate in each. Bins whose
// edges coincide are merged, so fewer bins may be returned.
func ReliabilityCurve(y, p []float64, bins int) ([]ReliabilityBin, error) {
	if len(y) != len(p) {
		return nil, fmt.Errorf("%w: %d outcomes, %d predictions", ErrLengthMismatch, len(y), len(p))
	}
	if bins <= 0 {
		return nil, fmt.Errorf("evaluate: bin count must be positive, got %d", bins)
	}
	if len(p) == 0 {
		return nil, nil
	}

	sorted := slices.Clone(p)
	slices.Sort(sorted)

	edges := make([]float64, 0, bins+1)
	for i := 0; i <= bins; i++ {
		q := linearQuantile(float64(i)/float64(bins), sorted)
		if len(edges) > 0 && q <= edges[len(edges)-1] {
			continue
		}
		edges = append(edges, q)
	}
	nb := max(len(edges)-1, 1)

	sumP := make([]float64, nb)
	sumY := make([]float64, nb)
	count := make([]int, nb)
	for i, v := range p {
		// Bins are right-closed; the first also includes its lower edge.
		k := 0
		if len(edges) > 1 {
			k = min(sort.SearchFloat64s(edges[1:], v), nb-1)
		}
		sumP[k] += v
		sumY[k] += y[i]
		count[k]++
	}

	out := make([]ReliabilityBin, 0, nb)
	for k := range nb {
		if count[k] == 0 {
			continue
		}
		n := float64(count[k])
		out = append(out, ReliabilityBin{PMean: sumP[k] / n, YRate: sumY[k] / n, Count: count[k]})
	}
	return out, nil
}

// linearQuantile returns the q-quantile of sorted by linear interpolation
// between order statistics at position (n-1)q (Hyndman-Fan type 7).
func linearQuantile(q float64, sorted []float64) float64 {
	h := float64(len(sorted)-1) * q
	lo := int(math.Floor(h))
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	return sorted[lo] + (h-float64(lo))*(sorted[lo+1]-sorted[lo])
}

// Brier returns the mean squared difference between predictions and 0/1
// outcomes. An empty input scores 0.
func Brier(y, p []float64) (float64, error) {
	if len(y) != len(p) {
		return 0, fmt.Errorf("%w: %d outcomes, %d predictions", ErrLengthMismatch, len(y), len(p))
	}
	if len(y) == 0 {
		return 0, nil
	}
	d := make([]float64, len(p))
	floats.SubTo(d, p, y)
	return floats.Dot(d, d) / float64(len(d)), nil
}

// LogLoss returns the mean negative log-likelihood of the outcomes, with
// predictions clipped away from 0 and 1.
func LogLoss(y, p []float64) (float64, error) {
	if len(y) != len(p) {
		return 0, fmt.Errorf("%w: %d outcomes, %d predictions", ErrLengthMismatch, len(y), len(p))
	}
	if len(y) == 0 {
		return 0, nil
	}
	ll := make([]float64, len(p))
	for i, v := range p {
		v = min(max(v, logLossClip), 1-logLossClip)
		ll[i] = -(y[i]*math.Log(v) + (1-y[i])*math.Log1p(-v))
	}
	return stat.Mean(ll, nil), nil
}

// Pair lines up a forecast with observations over the observed cells, in
// cell order. A cell observed but not forecast is an ErrMissingCell.
func Pair(forecast, observed grid.Field) (y, p []float64, err error) {
	cells := observed.Cells()
	y = make([]float64, len(cells))
	p = make([]float64, len(cells))
	for i, c := range cells {
		v, err := forecast.Lookup(c)
		if err != nil {
			return nil, nil, err
		}
		y[i] = observed[c]
		p[i] = v
	}
	return y, p, nil
}

// FieldBrier scores a forecast field against observed occupancy.
func FieldBrier(forecast, observed grid.Field) (float64, error) {
	y, p, err := Pair(forecast, observed)
	if err != nil {
		return 0, err
	}
	return Brier(y, p)
}
