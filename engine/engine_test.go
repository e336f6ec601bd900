package engine

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/pthm-cable/forage/config"
	"github.com/pthm-cable/forage/dataset"
	"github.com/pthm-cable/forage/grid"
	"github.com/pthm-cable/forage/scenario"
	"github.com/pthm-cable/forage/telemetry"
)

func init() {
	config.MustInit("")
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Cfg().Clone()
	cfg.Particles.Count = 400
	cfg.Particles.Workers = 1
	if err := cfg.Recompute(); err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	return cfg
}

func testScenario(t *testing.T, bins int) (*grid.Topology, []dataset.Bin) {
	t.Helper()
	p := scenario.DefaultParams()
	p.Width, p.Height, p.Bins = 6, 5, bins
	sc, err := scenario.Generate(p)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, err := dataset.GroupBins(sc.Rows, dataset.Probability)
	if err != nil {
		t.Fatalf("GroupBins: %v", err)
	}
	return sc.Topology, b
}

func newEngine(t *testing.T, cfg *config.Config, topo *grid.Topology, seed uint64) *Engine {
	t.Helper()
	e, err := New(Options{Config: cfg, Topology: topo, Seed: seed})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func collect(t *testing.T, e *Engine, bins []dataset.Bin) []*Forecast {
	t.Helper()
	var out []*Forecast
	err := e.Run(context.Background(), bins, SinkFunc(func(f *Forecast) error {
		out = append(out, f)
		return nil
	}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return out
}

func TestRunProducesValidForecasts(t *testing.T) {
	topo, bins := testScenario(t, 6)
	e := newEngine(t, testConfig(t), topo, 11)

	forecasts := collect(t, e, bins)
	if len(forecasts) != len(bins) {
		t.Fatalf("got %d forecasts, want %d", len(forecasts), len(bins))
	}
	for i, f := range forecasts {
		if f.Bin != i || f.Time != bins[i].Time {
			t.Errorf("forecast %d labeled bin %d time %s", i, f.Bin, f.Time)
		}
		if len(f.Blended) != len(topo.Cells) {
			t.Errorf("bin %d: blended covers %d cells", i, len(f.Blended))
		}
		for c, v := range f.Blended {
			if v < 0 || v > 1 {
				t.Errorf("bin %d: blended[%s] = %v outside [0,1]", i, c, v)
			}
		}
		if s := f.Belief.Sum(); math.Abs(s-1) > 1e-9 {
			t.Errorf("bin %d: belief sums to %v", i, s)
		}
		if len(f.Top) != e.cfg.Telemetry.TopN {
			t.Errorf("bin %d: %d top cells, want %d", i, len(f.Top), e.cfg.Telemetry.TopN)
		}
		if math.IsNaN(f.Stats.Brier) {
			t.Errorf("bin %d: expected a Brier score", i)
		}
	}
	if diff := cmp.Diff(forecasts[len(forecasts)-1].Blended, e.Belief()); diff != "" {
		t.Errorf("carried belief differs from last output:\n%s", diff)
	}
}

func TestOutputFeedsNextPrior(t *testing.T) {
	topo, bins := testScenario(t, 3)
	cfg := testConfig(t)
	cfg.Diffusion.Enabled = false
	cfg.Advection.Enabled = false
	e := newEngine(t, cfg, topo, 3)

	forecasts := collect(t, e, bins)
	if diff := cmp.Diff(forecasts[0].Score, forecasts[0].Prior); diff != "" {
		t.Errorf("first prior should be the score:\n%s", diff)
	}
	for i := 1; i < len(forecasts); i++ {
		if diff := cmp.Diff(forecasts[i-1].Blended, forecasts[i].Prior); diff != "" {
			t.Errorf("bin %d prior is not the previous output:\n%s", i, diff)
		}
	}
}

func TestRunDeterministic(t *testing.T) {
	topo, bins := testScenario(t, 4)

	cfg := testConfig(t)
	cfg.Particles.Count = 2048
	a := collect(t, newEngine(t, cfg, topo, 99), bins)

	parallel := cfg.Clone()
	parallel.Particles.Workers = 4
	b := collect(t, newEngine(t, parallel, topo, 99), bins)

	for i := range a {
		if diff := cmp.Diff(a[i].Blended, b[i].Blended); diff != "" {
			t.Errorf("bin %d differs across worker counts:\n%s", i, diff)
		}
	}
}

func TestRunHonoursMaxBins(t *testing.T) {
	topo, bins := testScenario(t, 5)
	cfg := testConfig(t)
	cfg.Run.MaxBins = 2

	if got := len(collect(t, newEngine(t, cfg, topo, 1), bins)); got != 2 {
		t.Errorf("ran %d bins, want 2", got)
	}
}

func TestMaxBinsCountsFromFirstBin(t *testing.T) {
	topo, bins := testScenario(t, 5)
	cfg := testConfig(t)
	cfg.Run.MaxBins = 4

	e := newEngine(t, cfg, topo, 1)
	if err := e.Resume(&telemetry.Snapshot{Version: telemetry.SnapshotVersion, Bin: 1, Belief: topo.Uniform(0.2)}); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	got := collect(t, e, bins[2:])
	if len(got) != 2 {
		t.Fatalf("ran %d bins after resume, want 2", len(got))
	}
	if got[len(got)-1].Bin != 3 {
		t.Errorf("last bin = %d, want 3", got[len(got)-1].Bin)
	}

	// Already at the limit: nothing left to run.
	if err := e.Run(context.Background(), bins[4:], nil); err != nil {
		t.Errorf("Run past limit: %v", err)
	}
	if e.BinIndex() != 4 {
		t.Errorf("BinIndex = %d, want 4", e.BinIndex())
	}
}

func TestRunCancelled(t *testing.T) {
	topo, bins := testScenario(t, 5)
	e := newEngine(t, testConfig(t), topo, 1)

	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	err := e.Run(ctx, bins, SinkFunc(func(*Forecast) error {
		n++
		cancel()
		return nil
	}))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if n != 1 {
		t.Errorf("sink saw %d bins, want 1", n)
	}
}

func TestRunErrors(t *testing.T) {
	topo, bins := testScenario(t, 2)
	e := newEngine(t, testConfig(t), topo, 1)

	if err := e.Run(context.Background(), nil, nil); !errors.Is(err, ErrNoBins) {
		t.Errorf("empty run: err = %v, want ErrNoBins", err)
	}

	sinkErr := errors.New("sink full")
	err := e.Run(context.Background(), bins, SinkFunc(func(*Forecast) error { return sinkErr }))
	if !errors.Is(err, sinkErr) {
		t.Errorf("sink failure: err = %v, want %v", err, sinkErr)
	}

	broken := dataset.Bin{Time: "x", Scores: grid.Field{topo.Cells[0]: 0.5}}
	if _, err := e.Step(broken); !errors.Is(err, grid.ErrMissingCell) {
		t.Errorf("partial scores: err = %v, want ErrMissingCell", err)
	}
}

func TestNewRejectsBadTopology(t *testing.T) {
	topo := &grid.Topology{
		Cells:     []grid.Cell{"A"},
		Coords:    grid.Coordinates{"A": {}},
		Adjacency: grid.Adjacency{"A": {"B"}},
	}
	if _, err := New(Options{Config: testConfig(t), Topology: topo}); !errors.Is(err, grid.ErrMissingCell) {
		t.Errorf("err = %v, want ErrMissingCell", err)
	}
	if _, err := New(Options{Config: testConfig(t)}); err == nil {
		t.Error("expected error for missing topology")
	}
}

func TestResumeMatchesUninterruptedRun(t *testing.T) {
	topo, bins := testScenario(t, 5)
	cfg := testConfig(t)

	full := collect(t, newEngine(t, cfg, topo, 7), bins)

	resumed := newEngine(t, cfg, topo, 7)
	snap := &telemetry.Snapshot{Version: telemetry.SnapshotVersion, Bin: 1, Belief: full[1].Blended}
	if err := resumed.Resume(snap); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.BinIndex() != 2 {
		t.Fatalf("BinIndex = %d, want 2", resumed.BinIndex())
	}
	rest := collect(t, resumed, bins[2:])

	for i, f := range rest {
		if diff := cmp.Diff(full[i+2].Blended, f.Blended); diff != "" {
			t.Errorf("bin %d differs after resume:\n%s", i+2, diff)
		}
	}
}

func TestResumeUsesSnapshotSeed(t *testing.T) {
	topo, bins := testScenario(t, 5)
	cfg := testConfig(t)

	full := collect(t, newEngine(t, cfg, topo, 7), bins)

	resumed := newEngine(t, cfg, topo, 12345)
	snap := &telemetry.Snapshot{Version: telemetry.SnapshotVersion, Seed: 7, Bin: 1, Belief: full[1].Blended}
	if err := resumed.Resume(snap); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Seed() != 7 {
		t.Fatalf("Seed = %d, want 7", resumed.Seed())
	}
	rest := collect(t, resumed, bins[2:])

	for i, f := range rest {
		if diff := cmp.Diff(full[i+2].Blended, f.Blended); diff != "" {
			t.Errorf("bin %d differs after resume:\n%s", i+2, diff)
		}
	}
	if diff := cmp.Diff(full[len(full)-1].Blended, resumed.Belief()); diff != "" {
		t.Errorf("final belief differs:\n%s", diff)
	}
}

func TestResumeKeepsSeedWhenSnapshotHasNone(t *testing.T) {
	topo, _ := testScenario(t, 2)
	e := newEngine(t, testConfig(t), topo, 99)
	if err := e.Resume(&telemetry.Snapshot{Version: telemetry.SnapshotVersion, Belief: topo.Uniform(0.5)}); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if e.Seed() != 99 {
		t.Errorf("Seed = %d, want 99", e.Seed())
	}
}

func TestRunWritesOutput(t *testing.T) {
	topo, bins := testScenario(t, 4)
	cfg := testConfig(t)
	cfg.Telemetry.SnapshotEvery = 2
	cfg.Telemetry.PerfWindow = 2

	dir := t.TempDir()
	om, err := telemetry.NewOutputManager(dir)
	if err != nil {
		t.Fatalf("NewOutputManager: %v", err)
	}
	e, err := New(Options{Config: cfg, Topology: topo, Seed: 5, Output: om})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	if err := e.Run(context.Background(), bins, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	stats := e.Finish()
	if err := om.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if stats.Bins != 4 || stats.ScoredBins != 4 {
		t.Errorf("run stats = %+v", stats)
	}
	for _, name := range []string{
		"forecast.csv", "telemetry.csv", "perf.csv", "summary.yaml", "reliability.csv",
		"snapshots/snapshot_00001.yaml", "snapshots/snapshot_00003.yaml",
	} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}

	snap, err := telemetry.LoadSnapshot(filepath.Join(dir, "snapshots", "snapshot_00003.yaml"))
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snap.RunID != om.RunID() || snap.Seed != 5 {
		t.Errorf("snapshot header = %+v", snap)
	}
}

func TestFilterParams(t *testing.T) {
	cfg := testConfig(t)
	cfg.Particles.Resampler = "systematic"
	p, err := FilterParams(cfg)
	if err != nil {
		t.Fatalf("FilterParams: %v", err)
	}
	if p.Count != cfg.Particles.Count || p.Resampler.String() != "systematic" {
		t.Errorf("params = %+v", p)
	}

	cfg.Particles.Resampler = "stratified"
	if _, err := FilterParams(cfg); err == nil {
		t.Error("expected error for unknown resampler")
	}
}
