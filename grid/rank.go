package grid

import (
	"cmp"
	"slices"
)

// Ranked is a cell with its field value.
type Ranked struct {
	Cell  Cell
	Value float64
}

// TopN returns the n highest-valued cells of f, highest first. Ties are
// ordered by cell id. n <= 0 or n larger than the field returns every cell.
func TopN(f Field, n int) []Ranked {
	out := make([]Ranked, 0, len(f))
	for c, v := range f {
		out = append(out, Ranked{Cell: c, Value: v})
	}
	slices.SortFunc(out, func(a, b Ranked) int {
		if c := cmp.Compare(b.Value, a.Value); c != 0 {
			return c
		}
		return cmp.Compare(a.Cell, b.Cell)
	})
	if n > 0 && n < len(out) {
		out = out[:n]
	}
	return out
}
