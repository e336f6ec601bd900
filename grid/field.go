// Package grid describes the spatial cells a forecast is made over: cell
// identifiers, their coordinates and adjacency, and the probability fields
// defined on them.
package grid

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// ErrMissingCell is returned when a cell is referenced but absent from the
// field, coordinate map, or topology being read.
var ErrMissingCell = errors.New("grid: missing cell")

// Cell uniquely names a grid region.
type Cell string

// Point is a 2-D cell position.
type Point struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
}

// Field maps every cell of a run to a real value. Depending on the producer
// it is either a density (values sum to 1) or an independent per-cell score
// in [0,1]; operators document which form they expect and return.
//
// The key universe is the run's cell set. Use Lookup rather than indexing:
// an absent key is a malformed input, not a zero.
type Field map[Cell]float64

// Adjacency lists the neighbors of each cell. Edges are directed: B in
// adj[A] says nothing about A in adj[B]. Neighbor order is significant for
// tie-breaking and is preserved.
type Adjacency map[Cell][]Cell

// Coordinates maps each cell to its position.
type Coordinates map[Cell]Point

// Lookup returns the value for c or an ErrMissingCell error.
func (f Field) Lookup(c Cell) (float64, error) {
	v, ok := f[c]
	if !ok {
		return 0, fmt.Errorf("%w: %q not in field", ErrMissingCell, c)
	}
	return v, nil
}

// Clone returns a copy of the field.
func (f Field) Clone() Field {
	return maps.Clone(f)
}

// Cells returns the field's cells in ascending order.
func (f Field) Cells() []Cell {
	return slices.Sorted(maps.Keys(f))
}

// Sum returns the total mass of the field, summed in cell order so the
// result is reproducible.
func (f Field) Sum() float64 {
	var s float64
	for _, c := range f.Cells() {
		s += f[c]
	}
	return s
}

// Normalized returns the field rescaled to a density. A field with zero (or
// negative) total mass becomes uniform over its cells.
func (f Field) Normalized() Field {
	out := make(Field, len(f))
	total := f.Sum()
	if total <= 0 {
		if len(f) == 0 {
			return out
		}
		u := 1 / float64(len(f))
		for c := range f {
			out[c] = u
		}
		return out
	}
	for c, v := range f {
		out[c] = v / total
	}
	return out
}

// Clamped returns the field with every value clamped to [0,1].
func (f Field) Clamped() Field {
	out := make(Field, len(f))
	for c, v := range f {
		out[c] = Clamp01(v)
	}
	return out
}

// Lookup returns the neighbors of c. A cell with no entry has no neighbors.
func (a Adjacency) Lookup(c Cell) []Cell {
	return a[c]
}

// Lookup returns the position of c or an ErrMissingCell error.
func (cs Coordinates) Lookup(c Cell) (Point, error) {
	p, ok := cs[c]
	if !ok {
		return Point{}, fmt.Errorf("%w: %q has no coordinates", ErrMissingCell, c)
	}
	return p, nil
}

// Clamp01 clamps x to [0,1].
func Clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
