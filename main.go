package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pthm-cable/forage/config"
	"github.com/pthm-cable/forage/dataset"
	"github.com/pthm-cable/forage/engine"
	"github.com/pthm-cable/forage/grid"
	"github.com/pthm-cable/forage/metrics"
	"github.com/pthm-cable/forage/telemetry"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Path to config.yaml (empty = use defaults)")
	topologyPath := flag.String("topology", "", "Path to topology.yaml (required)")
	binsPath := flag.String("bins", "", "Path to per-bin CSV (required)")
	outputDir := flag.String("output-dir", "", "Output directory for CSV logs and config snapshot")
	resumePath := flag.String("resume", "", "Belief snapshot to resume from")
	seed := flag.Uint64("seed", 0, "RNG seed (0 = config, then time-based; a resumed snapshot's seed wins)")
	maxBins := flag.Int("max-bins", 0, "Stop once N bins have been forecast, counting from bin 0 even when resuming (0 = use config)")
	metricsAddr := flag.String("metrics", "", "Serve Prometheus metrics on this address (empty = use config)")

	flag.Parse()

	// Set up slog (JSON to stdout for structured logging)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if *topologyPath == "" || *binsPath == "" {
		slog.Error("both -topology and -bins are required")
		flag.Usage()
		os.Exit(2)
	}

	if err := config.Init(*configPath); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := config.Cfg()
	if *maxBins > 0 {
		cfg.Run.MaxBins = *maxBins
	}
	if *metricsAddr != "" {
		cfg.Metrics.Listen = *metricsAddr
	}

	rngSeed := *seed
	if rngSeed == 0 {
		rngSeed = cfg.Run.Seed
	}
	if rngSeed == 0 {
		rngSeed = uint64(time.Now().UnixNano())
	}
	cfg.Run.Seed = rngSeed

	if err := run(cfg, *topologyPath, *binsPath, *outputDir, *resumePath, logger); err != nil {
		slog.Error("forecast failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, topologyPath, binsPath, outputDir, resumePath string, logger *slog.Logger) error {
	topo, err := grid.LoadTopology(topologyPath)
	if err != nil {
		return err
	}
	rows, err := dataset.LoadRows(binsPath)
	if err != nil {
		return err
	}
	dataset.FillCoordinates(topo, rows)

	kind, err := dataset.ParseScoreKind(cfg.Input.ScoreKind)
	if err != nil {
		return err
	}
	bins, err := dataset.GroupBins(rows, kind)
	if err != nil {
		return err
	}

	// The snapshot's seed replaces the configured one so the resumed bins
	// draw the same numbers as the original run.
	var snap *telemetry.Snapshot
	if resumePath != "" {
		snap, err = telemetry.LoadSnapshot(resumePath)
		if err != nil {
			return err
		}
		if snap.Bin+1 >= len(bins) {
			return errors.New("snapshot is at or past the last bin")
		}
		if snap.Seed != 0 {
			cfg.Run.Seed = snap.Seed
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, logger); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	om, err := telemetry.NewOutputManager(outputDir)
	if err != nil {
		return err
	}
	defer om.Close()
	if err := om.WriteConfig(cfg); err != nil {
		logger.Error("failed to write config snapshot", "error", err)
	}

	e, err := engine.New(engine.Options{
		Config:   cfg,
		Topology: topo,
		Seed:     cfg.Run.Seed,
		Logger:   logger,
		Output:   om,
	})
	if err != nil {
		return err
	}
	defer e.Close()

	if snap != nil {
		if err := e.Resume(snap); err != nil {
			return err
		}
		bins = bins[snap.Bin+1:]
		logger.Info("resuming", "snapshot", resumePath, "bin", e.BinIndex(), "seed", e.Seed())
	}

	logger.Info("starting forecast",
		"seed", e.Seed(),
		"cells", len(topo.Cells),
		"bins", len(bins),
		"run_id", om.RunID(),
	)

	err = e.Run(ctx, bins, nil)
	e.Finish()
	if errors.Is(err, context.Canceled) {
		logger.Info("interrupted", "bin", e.BinIndex())
		return nil
	}
	return err
}
