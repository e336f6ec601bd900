package systems

import "github.com/pthm-cable/forage/grid"

// Blend fuses two fields into an independent per-cell score:
//
//	out[c] = clamp(wa*a[c] + wb*b[c], 0, 1)
//
// The output covers the union of both fields' cells; a cell absent from one
// input contributes 0 from that input. No normalization across cells is
// applied and the weights need not sum to 1.
func Blend(a, b grid.Field, wa, wb float64) grid.Field {
	out := make(grid.Field, len(a)+len(b))
	for c, v := range a {
		out[c] = wa * v
	}
	for c, v := range b {
		out[c] += wb * v
	}
	for c, v := range out {
		out[c] = grid.Clamp01(v)
	}
	return out
}
