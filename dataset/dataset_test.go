package dataset

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/pthm-cable/forage/grid"
	"github.com/pthm-cable/forage/systems"
)

const sampleCSV = `time,cell_id,x,y,count,occ,p_stage2,wind_u,wind_v
2024-06-01T10:00,A,0,0,3,1,0.7,1.0,0.0
2024-06-01T10:00,B,1,0,0,0,0.2,3.0,2.0
2024-06-01T10:15,A,0,0,1,1,1.4,0.0,0.0
2024-06-01T10:15,B,1,0,0,0,-0.1,0.0,-1.0
`

var approx = cmpopts.EquateApprox(0, 1e-12)

func TestReadRows(t *testing.T) {
	rows, err := ReadRows(strings.NewReader(sampleCSV))
	if err != nil {
		t.Fatalf("ReadRows: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("got %d rows, want 4", len(rows))
	}
	want := Row{Time: "2024-06-01T10:00", Cell: "B", X: 1, Count: 0, Occ: 0, Score: 0.2, WindU: 3, WindV: 2}
	if diff := cmp.Diff(want, rows[1]); diff != "" {
		t.Errorf("row mismatch (-want +got):\n%s", diff)
	}
}

func TestGroupBinsProbability(t *testing.T) {
	rows, err := ReadRows(strings.NewReader(sampleCSV))
	if err != nil {
		t.Fatalf("ReadRows: %v", err)
	}
	bins, err := GroupBins(rows, Probability)
	if err != nil {
		t.Fatalf("GroupBins: %v", err)
	}

	want := []Bin{
		{
			Time:     "2024-06-01T10:00",
			Scores:   grid.Field{"A": 0.7, "B": 0.2},
			Observed: grid.Field{"A": 1, "B": 0},
			Wind:     systems.Wind{U: 2, V: 1},
		},
		{
			Time:     "2024-06-01T10:15",
			Scores:   grid.Field{"A": 1, "B": 0}, // clamped
			Observed: grid.Field{"A": 1, "B": 0},
			Wind:     systems.Wind{U: 0, V: -0.5},
		},
	}
	if diff := cmp.Diff(want, bins, approx); diff != "" {
		t.Errorf("bins mismatch (-want +got):\n%s", diff)
	}
}

func TestGroupBinsIntensity(t *testing.T) {
	rows := []Row{
		{Time: "t0", Cell: "A", Score: 0},
		{Time: "t0", Cell: "B", Score: math.Ln2},
	}
	bins, err := GroupBins(rows, Intensity)
	if err != nil {
		t.Fatalf("GroupBins: %v", err)
	}
	want := grid.Field{"A": 0, "B": 0.5}
	if diff := cmp.Diff(want, bins[0].Scores, approx); diff != "" {
		t.Errorf("scores mismatch (-want +got):\n%s", diff)
	}

	rows[1].Score = -1
	if _, err := GroupBins(rows, Intensity); !errors.Is(err, ErrInvalidScore) {
		t.Errorf("negative intensity: err = %v, want ErrInvalidScore", err)
	}
}

func TestGroupBinsRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		rows []Row
	}{
		{"empty cell", []Row{{Time: "t0", Cell: ""}}},
		{"duplicate cell", []Row{{Time: "t0", Cell: "A"}, {Time: "t0", Cell: "A"}}},
		{"NaN score", []Row{{Time: "t0", Cell: "A", Score: math.NaN()}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := GroupBins(tt.rows, Probability); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestGroupBinsKeepsFirstSeenOrder(t *testing.T) {
	rows := []Row{
		{Time: "z", Cell: "A"},
		{Time: "a", Cell: "A"},
		{Time: "z", Cell: "B"},
	}
	bins, err := GroupBins(rows, Probability)
	if err != nil {
		t.Fatalf("GroupBins: %v", err)
	}
	if len(bins) != 2 || bins[0].Time != "z" || bins[1].Time != "a" {
		t.Errorf("bin order = %v", bins)
	}
	if len(bins[0].Scores) != 2 {
		t.Errorf("bin z has %d cells, want 2", len(bins[0].Scores))
	}
}

func TestParseScoreKind(t *testing.T) {
	for in, want := range map[string]ScoreKind{"": Probability, "probability": Probability, "intensity": Intensity} {
		got, err := ParseScoreKind(in)
		if err != nil || got != want {
			t.Errorf("ParseScoreKind(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseScoreKind("logit"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestWriteAndLoadRows(t *testing.T) {
	rows := []Row{
		{Time: "t0", Cell: "r00c00", X: 0, Y: 0, Count: 2, Occ: 1, Score: 0.5, WindU: 1, WindV: -1},
		{Time: "t0", Cell: "r00c01", X: 1, Y: 0, Count: 0, Occ: 0, Score: 0.25, WindU: 1, WindV: -1},
	}
	var buf bytes.Buffer
	if err := WriteRows(&buf, rows); err != nil {
		t.Fatalf("WriteRows: %v", err)
	}
	path := filepath.Join(t.TempDir(), "bins.csv")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := LoadRows(path)
	if err != nil {
		t.Fatalf("LoadRows: %v", err)
	}
	if diff := cmp.Diff(rows, got); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}

	if _, err := LoadRows(filepath.Join(t.TempDir(), "missing.csv")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFillCoordinates(t *testing.T) {
	topo := &grid.Topology{
		Cells:  []grid.Cell{"A", "B"},
		Coords: grid.Coordinates{"A": {X: 5, Y: 5}},
	}
	FillCoordinates(topo, []Row{
		{Cell: "A", X: 0, Y: 0},
		{Cell: "B", X: 1, Y: 2},
	})
	want := grid.Coordinates{"A": {X: 5, Y: 5}, "B": {X: 1, Y: 2}}
	if diff := cmp.Diff(want, topo.Coords); diff != "" {
		t.Errorf("coords mismatch (-want +got):\n%s", diff)
	}
}
