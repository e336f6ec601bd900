// Package main provides CMA-ES tuning of the forecaster's operator and
// blend parameters against observed occupancy.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/gocarina/gocsv"
	"gonum.org/v1/gonum/optimize"

	"github.com/pthm-cable/forage/config"
	"github.com/pthm-cable/forage/dataset"
	"github.com/pthm-cable/forage/grid"
	"github.com/pthm-cable/forage/scenario"
)

// formatDuration formats a duration as HH:MM:SS or MM:SS for shorter durations.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Base config YAML file (empty = use defaults)")
	topologyPath := flag.String("topology", "", "Topology YAML (empty = synthetic scenarios)")
	binsPath := flag.String("bins", "", "Per-bin CSV (empty = synthetic scenarios)")
	seeds := flag.Int("seeds", 3, "Number of seeds per evaluation")
	maxEvals := flag.Int("max-evals", 200, "Maximum number of evaluations")
	population := flag.Int("population", 0, "CMA-ES population size (0 = auto)")
	cmaSeed := flag.Uint64("cma-seed", 1, "Seed for CMA-ES sampling")
	outputDir := flag.String("output", "", "Output directory for results")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if *outputDir == "" {
		slog.Error("-output is required")
		os.Exit(2)
	}
	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		slog.Error("failed to create output directory", "error", err)
		os.Exit(1)
	}

	// Load base config
	if err := config.Init(*configPath); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	baseCfg := config.Cfg()

	// Generate seeds for evaluation
	evalSeeds := make([]uint64, *seeds)
	for i := range evalSeeds {
		evalSeeds[i] = uint64(i*1000 + 42)
	}

	problems, err := loadProblems(baseCfg, *topologyPath, *binsPath, evalSeeds)
	if err != nil {
		slog.Error("failed to load data", "error", err)
		os.Exit(1)
	}

	params := NewParamVector()
	evaluator := NewFitnessEvaluator(params, baseCfg, problems)

	dim := params.Dim()
	initX := params.Normalize(params.ExtractFromConfig(baseCfg))

	popSize := *population
	if popSize == 0 {
		popSize = 4 + int(3.0*float64(dim)/2.0)
	}

	method := &optimize.CmaEsChol{
		InitStepSize: 0.3,
		Population:   popSize,
		Src:          rand.NewPCG(*cmaSeed, *cmaSeed),
	}
	settings := &optimize.Settings{
		FuncEvaluations: *maxEvals,
		Concurrent:      0, // Sequential evaluation
	}

	// Open log file
	logPath := filepath.Join(*outputDir, "tune_log.csv")
	logFile, err := os.Create(logPath)
	if err != nil {
		slog.Error("failed to create log file", "error", err)
		os.Exit(1)
	}
	defer logFile.Close()

	evalCount := 0
	bestFitness := worstFitness + 1
	var bestParams []float64
	startTime := time.Now()

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			raw := params.Denormalize(x)
			fitness := evaluator.Evaluate(raw)
			evalCount++

			clamped := params.Clamp(raw)
			if fitness < bestFitness {
				bestFitness = fitness
				bestParams = clamped
			}

			record := []TuneRecord{params.Record(evalCount, fitness, clamped)}
			var werr error
			if evalCount == 1 {
				werr = gocsv.Marshal(record, logFile)
			} else {
				werr = gocsv.MarshalWithoutHeaders(record, logFile)
			}
			if werr != nil {
				slog.Error("failed to write tune log", "error", werr)
			}

			elapsed := time.Since(startTime)
			avgPerEval := elapsed / time.Duration(evalCount)
			remaining := time.Duration(*maxEvals-evalCount) * avgPerEval
			slog.Info("eval",
				"n", evalCount,
				"of", *maxEvals,
				"brier", fitness,
				"log_loss", evaluator.LastLogLoss(),
				"failures", evaluator.LastFailures(),
				"best", bestFitness,
				"elapsed", formatDuration(elapsed),
				"eta", formatDuration(remaining),
			)
			return fitness
		},
	}

	slog.Info("starting CMA-ES",
		"params", dim,
		"population", popSize,
		"max_evals", *maxEvals,
		"problems", len(problems),
	)

	result, err := optimize.Minimize(problem, initX, settings, method)
	if err != nil {
		slog.Info("optimization ended", "reason", err)
	}

	// Use best params found (may be from any evaluation, not just final)
	if bestParams == nil && result != nil {
		bestParams = params.Clamp(params.Denormalize(result.X))
	}
	if bestParams == nil {
		slog.Error("no evaluations completed")
		os.Exit(1)
	}

	attrs := []any{"evals", evalCount, "elapsed", formatDuration(time.Since(startTime)), "best_brier", bestFitness}
	for i, spec := range params.Specs {
		attrs = append(attrs, spec.Path, bestParams[i])
	}
	slog.Info("optimization complete", attrs...)

	bestCfg := baseCfg.Clone()
	params.ApplyToConfig(bestCfg, bestParams)
	configOutPath := filepath.Join(*outputDir, "best_config.yaml")
	if err := bestCfg.WriteYAML(configOutPath); err != nil {
		slog.Error("failed to write best config", "error", err)
		os.Exit(1)
	}
	slog.Info("best config saved", "path", configOutPath)
}

// loadProblems reads the input dataset when given, otherwise generates one
// synthetic scenario per seed.
func loadProblems(cfg *config.Config, topologyPath, binsPath string, seeds []uint64) ([]problem, error) {
	if topologyPath == "" && binsPath == "" {
		return scenarioProblems(scenario.DefaultParams(), seeds)
	}
	if topologyPath == "" || binsPath == "" {
		return nil, fmt.Errorf("-topology and -bins must be given together")
	}

	topo, err := grid.LoadTopology(topologyPath)
	if err != nil {
		return nil, err
	}
	rows, err := dataset.LoadRows(binsPath)
	if err != nil {
		return nil, err
	}
	dataset.FillCoordinates(topo, rows)
	kind, err := dataset.ParseScoreKind(cfg.Input.ScoreKind)
	if err != nil {
		return nil, err
	}
	bins, err := dataset.GroupBins(rows, kind)
	if err != nil {
		return nil, err
	}
	return dataProblems(topo, bins, seeds), nil
}
