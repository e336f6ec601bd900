package systems

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/pthm-cable/forage/grid"
)

const tol = 1e-9

// lineGraph returns the three-cell line A–B–C laid out along +x.
func lineGraph() (grid.Field, grid.Coordinates, grid.Adjacency) {
	field := grid.Field{"A": 0.7, "B": 0.2, "C": 0.1}
	coords := grid.Coordinates{
		"A": {X: 0, Y: 0},
		"B": {X: 1, Y: 0},
		"C": {X: 2, Y: 0},
	}
	adj := grid.Adjacency{
		"A": {"B"},
		"B": {"A", "C"},
		"C": {"B"},
	}
	return field, coords, adj
}

// randomGraph builds a random directed graph over n cells with values in [0,1].
func randomGraph(r *rand.Rand, n int) (grid.Field, grid.Coordinates, grid.Adjacency) {
	topo := grid.NewLattice(n, 1)
	field := make(grid.Field, n)
	for _, c := range topo.Cells {
		field[c] = r.Float64()
		topo.Coords[c] = grid.Point{X: r.NormFloat64(), Y: r.NormFloat64()}
	}
	// Add random directed edges on top of the lattice
	for _, c := range topo.Cells {
		for k := r.IntN(3); k > 0; k-- {
			topo.Adjacency[c] = append(topo.Adjacency[c], topo.Cells[r.IntN(n)])
		}
	}
	return field, topo.Coords, topo.Adjacency
}

var approx = cmpopts.EquateApprox(0, tol)

func TestDiffuseLineScenario(t *testing.T) {
	field, _, adj := lineGraph()

	got, err := Diffuse(field, adj, 1.0)
	if err != nil {
		t.Fatalf("Diffuse: %v", err)
	}
	want := grid.Field{"A": 0.2, "B": 0.4, "C": 0.2}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("Diffuse(gamma=1) mismatch (-want +got):\n%s", diff)
	}
}

func TestDiffuseGammaZeroIsIdentity(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	field, _, adj := randomGraph(r, 20)

	got, err := Diffuse(field, adj, 0)
	if err != nil {
		t.Fatalf("Diffuse: %v", err)
	}
	if diff := cmp.Diff(field, got); diff != "" {
		t.Errorf("Diffuse(gamma=0) changed the field (-want +got):\n%s", diff)
	}
}

func TestDiffuseBounded(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	for trial := 0; trial < 50; trial++ {
		field, _, adj := randomGraph(r, 2+r.IntN(30))
		gamma := r.Float64()

		got, err := Diffuse(field, adj, gamma)
		if err != nil {
			t.Fatalf("Diffuse: %v", err)
		}
		for c, v := range got {
			if v < 0 || v > 1 {
				t.Fatalf("trial %d: out[%s] = %v outside [0,1] (gamma=%v)", trial, c, v, gamma)
			}
		}
	}
}

func TestDiffuseIsSynchronous(t *testing.T) {
	// In-place updates would let B see A's new value.
	field := grid.Field{"A": 1, "B": 0}
	adj := grid.Adjacency{"A": {"B"}, "B": {"A"}}

	got, err := Diffuse(field, adj, 0.5)
	if err != nil {
		t.Fatalf("Diffuse: %v", err)
	}
	want := grid.Field{"A": 0.5, "B": 0.5}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestDiffuseAsymmetricDoesNotConserve(t *testing.T) {
	// A listens to B but B listens to nobody: mass is not conserved.
	field := grid.Field{"A": 0, "B": 1}
	adj := grid.Adjacency{"A": {"B"}}

	got, err := Diffuse(field, adj, 1)
	if err != nil {
		t.Fatalf("Diffuse: %v", err)
	}
	if math.Abs(got.Sum()-2) > tol {
		t.Errorf("sum = %v, want 2 (A copies B, B unchanged)", got.Sum())
	}
}

func TestDiffuseErrors(t *testing.T) {
	field := grid.Field{"A": 0.5}

	_, err := Diffuse(field, grid.Adjacency{"A": {"ghost"}}, 0.5)
	if !errors.Is(err, grid.ErrMissingCell) {
		t.Errorf("missing neighbor: err = %v, want ErrMissingCell", err)
	}

	for _, gamma := range []float64{-0.1, 1.1, math.NaN()} {
		if _, err := Diffuse(field, nil, gamma); !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("gamma=%v: err = %v, want ErrInvalidParameter", gamma, err)
		}
	}
}

func TestAdvectLineScenario(t *testing.T) {
	field, coords, _ := lineGraph()
	wind := Wind{U: 1, V: 0} // from A toward C

	// Only A carries an outgoing edge: the single transfer A -> B.
	got, err := Advect(field, coords, grid.Adjacency{"A": {"B"}}, 0.5, wind)
	if err != nil {
		t.Fatalf("Advect: %v", err)
	}
	want := grid.Field{"A": 0.35, "B": 0.55, "C": 0.1}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("A->B transfer mismatch (-want +got):\n%s", diff)
	}
}

func TestAdvectFullLine(t *testing.T) {
	field, coords, adj := lineGraph()
	wind := Wind{U: 1, V: 0}

	got, err := Advect(field, coords, adj, 0.5, wind)
	if err != nil {
		t.Fatalf("Advect: %v", err)
	}
	// A sends 0.35 to B, B sends 0.1 to C (downwind), C's only neighbor is B
	// so C sends 0.05 back upwind.
	want := grid.Field{"A": 0.35, "B": 0.5, "C": 0.15}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if math.Abs(got.Sum()-1.0) > tol {
		t.Errorf("sum = %v, want 1.0", got.Sum())
	}
}

func TestAdvectTieBreaksOnAdjacencyOrder(t *testing.T) {
	field := grid.Field{"O": 1, "N": 0, "S": 0}
	coords := grid.Coordinates{"O": {X: 0, Y: 0}, "N": {X: 0, Y: 1}, "S": {X: 0, Y: -1}}
	wind := Wind{U: 1, V: 0} // perpendicular: both dots are zero

	for _, order := range [][]grid.Cell{{"N", "S"}, {"S", "N"}} {
		got, err := Advect(field, coords, grid.Adjacency{"O": order}, 0.4, wind)
		if err != nil {
			t.Fatalf("Advect: %v", err)
		}
		if math.Abs(got[order[0]]-0.4) > tol || got[order[1]] != 0 {
			t.Errorf("order %v: got %v, want transfer to %s", order, got, order[0])
		}
	}
}

func TestAdvectAccumulatesIncoming(t *testing.T) {
	// Two sources both target the sink.
	field := grid.Field{"W": 0.4, "E": 0.6, "X": 0}
	coords := grid.Coordinates{"W": {X: -1, Y: 0}, "E": {X: 1, Y: 0}, "X": {X: 0, Y: 1}}
	adj := grid.Adjacency{"W": {"X"}, "E": {"X"}}

	got, err := Advect(field, coords, adj, 0.5, Wind{U: 0, V: 1})
	if err != nil {
		t.Fatalf("Advect: %v", err)
	}
	want := grid.Field{"W": 0.2, "E": 0.3, "X": 0.5}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestAdvectConservesMass(t *testing.T) {
	r := rand.New(rand.NewPCG(5, 6))
	for trial := 0; trial < 100; trial++ {
		field, coords, adj := randomGraph(r, 2+r.IntN(40))
		alpha := r.Float64()
		wind := Wind{U: r.NormFloat64(), V: r.NormFloat64()}

		got, err := Advect(field, coords, adj, alpha, wind)
		if err != nil {
			t.Fatalf("Advect: %v", err)
		}
		if d := math.Abs(got.Sum() - field.Sum()); d > 1e-9 {
			t.Fatalf("trial %d: mass changed by %v", trial, d)
		}
	}
}

func TestAdvectDoesNotMutateInput(t *testing.T) {
	field, coords, adj := lineGraph()
	before := field.Clone()

	if _, err := Advect(field, coords, adj, 0.5, Wind{U: 1}); err != nil {
		t.Fatalf("Advect: %v", err)
	}
	if diff := cmp.Diff(before, field); diff != "" {
		t.Errorf("input mutated (-before +after):\n%s", diff)
	}
}

func TestAdvectErrors(t *testing.T) {
	field, coords, adj := lineGraph()

	delete(coords, "C")
	if _, err := Advect(field, coords, adj, 0.5, Wind{U: 1}); !errors.Is(err, grid.ErrMissingCell) {
		t.Errorf("missing coords: err = %v, want ErrMissingCell", err)
	}

	field, coords, _ = lineGraph()
	coords["D"] = grid.Point{X: 3}
	if _, err := Advect(field, coords, grid.Adjacency{"C": {"D"}}, 0.5, Wind{U: 1}); !errors.Is(err, grid.ErrMissingCell) {
		t.Errorf("neighbor outside field: err = %v, want ErrMissingCell", err)
	}

	if _, err := Advect(field, coords, adj, 1.5, Wind{}); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("alpha=1.5: err = %v, want ErrInvalidParameter", err)
	}
}

func TestWindMagnitude(t *testing.T) {
	if m := (Wind{U: 3, V: 4}).Magnitude(); m != 5 {
		t.Errorf("Magnitude = %v, want 5", m)
	}
}

func TestBlendScenario(t *testing.T) {
	got := Blend(grid.Field{"X": 0.9}, grid.Field{"X": 0.3}, 0.5, 0.5)
	if math.Abs(got["X"]-0.6) > tol {
		t.Errorf("blend X = %v, want 0.6", got["X"])
	}
}

func TestBlendUnionAndClamp(t *testing.T) {
	a := grid.Field{"A": 0.9, "B": 0.8}
	b := grid.Field{"B": 0.9, "C": 0.4}

	got := Blend(a, b, 1, 1)
	want := grid.Field{"A": 0.9, "B": 1.0, "C": 0.4}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	neg := Blend(a, b, -1, 0)
	for c, v := range neg {
		if v != 0 {
			t.Errorf("negative weight: %s = %v, want 0", c, v)
		}
	}
}

func TestBlendIdentityWeights(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 8))
	a := make(grid.Field)
	b := make(grid.Field)
	for i := 0; i < 30; i++ {
		c := grid.LatticeCell(i, 0)
		a[c] = r.Float64()*2 - 0.5
		b[c] = r.Float64()
	}

	got := Blend(a, b, 1, 0)
	if diff := cmp.Diff(a.Clamped(), got); diff != "" {
		t.Errorf("Blend(a,b,1,0) != clamp(a) (-want +got):\n%s", diff)
	}
	for c, v := range Blend(a, b, 3, -2) {
		if v < 0 || v > 1 {
			t.Errorf("%s = %v outside [0,1]", c, v)
		}
	}
}
