package main

import (
	"context"
	"math"
	"sync"

	"github.com/pthm-cable/forage/config"
	"github.com/pthm-cable/forage/dataset"
	"github.com/pthm-cable/forage/engine"
	"github.com/pthm-cable/forage/grid"
	"github.com/pthm-cable/forage/scenario"
)

// worstFitness is returned when a run fails or scores nothing. A Brier
// score never exceeds 1.
const worstFitness = 1.0

// problem is one dataset the forecaster is scored against.
type problem struct {
	topo *grid.Topology
	bins []dataset.Bin
	seed uint64
}

// scenarioProblems generates one synthetic habitat per seed.
func scenarioProblems(p scenario.Params, seeds []uint64) ([]problem, error) {
	problems := make([]problem, 0, len(seeds))
	for _, s := range seeds {
		p.Seed = s
		sc, err := scenario.Generate(p)
		if err != nil {
			return nil, err
		}
		bins, err := dataset.GroupBins(sc.Rows, dataset.Probability)
		if err != nil {
			return nil, err
		}
		problems = append(problems, problem{topo: sc.Topology, bins: bins, seed: s})
	}
	return problems, nil
}

// dataProblems scores a single dataset under several filter seeds.
func dataProblems(topo *grid.Topology, bins []dataset.Bin, seeds []uint64) []problem {
	problems := make([]problem, len(seeds))
	for i, s := range seeds {
		problems[i] = problem{topo: topo, bins: bins, seed: s}
	}
	return problems
}

// FitnessEvaluator runs the forecaster headless and scores it.
type FitnessEvaluator struct {
	params     *ParamVector
	baseConfig *config.Config
	problems   []problem

	mu           sync.Mutex
	bestFitness  float64
	lastLogLoss  float64 // mean log loss from the most recent Evaluate call
	lastFailures int     // runs that errored in the most recent Evaluate call
}

// NewFitnessEvaluator creates a new evaluator.
func NewFitnessEvaluator(params *ParamVector, baseCfg *config.Config, problems []problem) *FitnessEvaluator {
	return &FitnessEvaluator{
		params:      params,
		baseConfig:  baseCfg,
		problems:    problems,
		bestFitness: math.Inf(1),
	}
}

// LastLogLoss returns the mean log loss from the most recent evaluation.
func (fe *FitnessEvaluator) LastLogLoss() float64 {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.lastLogLoss
}

// LastFailures returns how many runs errored in the most recent evaluation.
func (fe *FitnessEvaluator) LastFailures() int {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.lastFailures
}

// BestFitness returns the lowest fitness seen so far.
func (fe *FitnessEvaluator) BestFitness() float64 {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.bestFitness
}

// runResult holds the scores from a single forecaster run.
type runResult struct {
	brier   float64
	logLoss float64
	err     error
}

// Evaluate computes fitness for a parameter vector (lower = better).
// Fitness is the mean pooled Brier score across problems.
func (fe *FitnessEvaluator) Evaluate(x []float64) float64 {
	cfg := fe.baseConfig.Clone()
	fe.params.ApplyToConfig(cfg, x)
	if err := cfg.Recompute(); err != nil {
		return worstFitness
	}

	// Run all problems in parallel
	results := make([]runResult, len(fe.problems))
	var wg sync.WaitGroup
	for i, p := range fe.problems {
		wg.Add(1)
		go func(idx int, p problem) {
			defer wg.Done()
			results[idx] = fe.run(cfg, p)
		}(i, p)
	}
	wg.Wait()

	var totalBrier, totalLogLoss float64
	failures := 0
	for _, r := range results {
		if r.err != nil || math.IsNaN(r.brier) {
			totalBrier += worstFitness
			failures++
			continue
		}
		totalBrier += r.brier
		totalLogLoss += r.logLoss
	}

	n := float64(len(fe.problems))
	fitness := totalBrier / n

	fe.mu.Lock()
	if fitness < fe.bestFitness {
		fe.bestFitness = fitness
	}
	fe.lastFailures = failures
	fe.lastLogLoss = math.NaN()
	if ok := len(fe.problems) - failures; ok > 0 {
		fe.lastLogLoss = totalLogLoss / float64(ok)
	}
	fe.mu.Unlock()

	return fitness
}

// run forecasts every bin of p and returns its pooled scores.
func (fe *FitnessEvaluator) run(cfg *config.Config, p problem) runResult {
	e, err := engine.New(engine.Options{
		Config:   cfg,
		Topology: p.topo,
		Seed:     p.seed,
	})
	if err != nil {
		return runResult{err: err}
	}
	defer e.Close()

	if err := e.Run(context.Background(), p.bins, nil); err != nil {
		return runResult{err: err}
	}
	stats := e.Finish()
	return runResult{brier: stats.PooledBrier, logLoss: stats.LogLoss}
}
