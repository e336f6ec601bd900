package grid

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Topology is the static description of a run's cells. Cell order is the
// order the cells were declared in and is stable for the run.
type Topology struct {
	Cells     []Cell
	Coords    Coordinates
	Adjacency Adjacency
}

// topologyFile is the on-disk YAML layout of a topology.
type topologyFile struct {
	Cells []cellSpec `yaml:"cells"`
}

type cellSpec struct {
	ID        Cell     `yaml:"id"`
	X         *float64 `yaml:"x,omitempty"`
	Y         *float64 `yaml:"y,omitempty"`
	Neighbors []Cell   `yaml:"neighbors"`
}

// LoadTopology reads a topology from a YAML file. Cells may omit x/y when
// coordinates are supplied later (see dataset.FillCoordinates).
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading topology file: %w", err)
	}
	return ParseTopology(data)
}

// ParseTopology decodes a YAML topology document.
func ParseTopology(data []byte) (*Topology, error) {
	var tf topologyFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parsing topology: %w", err)
	}
	if len(tf.Cells) == 0 {
		return nil, errors.New("topology has no cells")
	}

	t := &Topology{
		Cells:     make([]Cell, 0, len(tf.Cells)),
		Coords:    make(Coordinates, len(tf.Cells)),
		Adjacency: make(Adjacency, len(tf.Cells)),
	}
	for _, cs := range tf.Cells {
		if cs.ID == "" {
			return nil, errors.New("topology cell with empty id")
		}
		if _, dup := t.Adjacency[cs.ID]; dup {
			return nil, fmt.Errorf("duplicate cell %q", cs.ID)
		}
		t.Cells = append(t.Cells, cs.ID)
		t.Adjacency[cs.ID] = append([]Cell(nil), cs.Neighbors...)
		if cs.X != nil && cs.Y != nil {
			t.Coords[cs.ID] = Point{X: *cs.X, Y: *cs.Y}
		}
	}
	return t, nil
}

// Marshal encodes the topology in the LoadTopology YAML layout.
func (t *Topology) Marshal() ([]byte, error) {
	tf := topologyFile{Cells: make([]cellSpec, 0, len(t.Cells))}
	for _, c := range t.Cells {
		cs := cellSpec{ID: c, Neighbors: t.Adjacency[c]}
		if p, ok := t.Coords[c]; ok {
			x, y := p.X, p.Y
			cs.X, cs.Y = &x, &y
		}
		tf.Cells = append(tf.Cells, cs)
	}
	data, err := yaml.Marshal(tf)
	if err != nil {
		return nil, fmt.Errorf("marshaling topology: %w", err)
	}
	return data, nil
}

// WriteYAML writes the topology to path.
func (t *Topology) WriteYAML(path string) error {
	data, err := t.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing topology file: %w", err)
	}
	return nil
}

// Validate checks that every neighbor reference names a declared cell and
// that every cell has coordinates.
func (t *Topology) Validate() error {
	known := make(map[Cell]struct{}, len(t.Cells))
	for _, c := range t.Cells {
		known[c] = struct{}{}
	}
	var errs []error
	for _, c := range t.Cells {
		if _, ok := t.Coords[c]; !ok {
			errs = append(errs, fmt.Errorf("%w: %q has no coordinates", ErrMissingCell, c))
		}
		for _, n := range t.Adjacency[c] {
			if _, ok := known[n]; !ok {
				errs = append(errs, fmt.Errorf("%w: %q lists unknown neighbor %q", ErrMissingCell, c, n))
			}
		}
	}
	return errors.Join(errs...)
}

// Uniform returns a field assigning v to every cell.
func (t *Topology) Uniform(v float64) Field {
	f := make(Field, len(t.Cells))
	for _, c := range t.Cells {
		f[c] = v
	}
	return f
}

// Restrict returns f limited to the topology's cells. Cells of the topology
// missing from f are reported with ErrMissingCell.
func (t *Topology) Restrict(f Field) (Field, error) {
	out := make(Field, len(t.Cells))
	for _, c := range t.Cells {
		v, err := f.Lookup(c)
		if err != nil {
			return nil, err
		}
		out[c] = v
	}
	return out, nil
}

// LatticeCell names the lattice cell at column x, row y.
func LatticeCell(x, y int) Cell {
	return Cell(fmt.Sprintf("r%02dc%02d", y, x))
}

// NewLattice builds a w×h rectangular grid with unit spacing and 4-neighbor
// adjacency (east, west, south, north). Edges do not wrap.
func NewLattice(w, h int) *Topology {
	t := &Topology{
		Cells:     make([]Cell, 0, w*h),
		Coords:    make(Coordinates, w*h),
		Adjacency: make(Adjacency, w*h),
	}
	offsets := [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := LatticeCell(x, y)
			t.Cells = append(t.Cells, c)
			t.Coords[c] = Point{X: float64(x), Y: float64(y)}

			nbrs := make([]Cell, 0, 4)
			for _, o := range offsets {
				nx, ny := x+o[0], y+o[1]
				if nx < 0 || nx >= w || ny < 0 || ny >= h {
					continue
				}
				nbrs = append(nbrs, LatticeCell(nx, ny))
			}
			t.Adjacency[c] = nbrs
		}
	}
	return t
}
