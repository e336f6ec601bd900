// Package main generates a synthetic habitat: a lattice topology and a
// per-bin CSV that the forecaster can run against.
package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pthm-cable/forage/dataset"
	"github.com/pthm-cable/forage/scenario"
)

func main() {
	defaults := scenario.DefaultParams()

	width := flag.Int("width", defaults.Width, "Lattice width in cells")
	height := flag.Int("height", defaults.Height, "Lattice height in cells")
	bins := flag.Int("bins", defaults.Bins, "Number of time bins")
	seed := flag.Uint64("seed", defaults.Seed, "RNG seed")
	interval := flag.Duration("interval", defaults.Interval, "Time between bins")
	wind := flag.Float64("wind", defaults.WindSpeed, "Mean wind speed")
	noise := flag.Float64("score-noise", defaults.ScoreNoise, "Std dev of model scores around the truth")
	outputDir := flag.String("output", "", "Output directory (required)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if *outputDir == "" {
		slog.Error("-output is required")
		os.Exit(2)
	}

	p := defaults
	p.Width, p.Height = *width, *height
	p.Bins = *bins
	p.Seed = *seed
	p.Interval = *interval
	p.WindSpeed = *wind
	p.ScoreNoise = *noise

	start := time.Now()
	sc, err := scenario.Generate(p)
	if err != nil {
		slog.Error("failed to generate scenario", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		slog.Error("failed to create output directory", "error", err)
		os.Exit(1)
	}

	topoPath := filepath.Join(*outputDir, "topology.yaml")
	if err := sc.Topology.WriteYAML(topoPath); err != nil {
		slog.Error("failed to write topology", "path", topoPath, "error", err)
		os.Exit(1)
	}

	binsPath := filepath.Join(*outputDir, "bins.csv")
	f, err := os.Create(binsPath)
	if err != nil {
		slog.Error("failed to create bins file", "path", binsPath, "error", err)
		os.Exit(1)
	}
	defer f.Close()
	if err := dataset.WriteRows(f, sc.Rows); err != nil {
		slog.Error("failed to write bins", "path", binsPath, "error", err)
		os.Exit(1)
	}

	slog.Info("scenario written",
		"cells", len(sc.Topology.Cells),
		"bins", p.Bins,
		"rows", len(sc.Rows),
		"topology", topoPath,
		"data", binsPath,
		"elapsed", time.Since(start),
	)
}
