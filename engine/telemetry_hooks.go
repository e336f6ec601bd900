package engine

import (
	"math"

	"github.com/pthm-cable/forage/evaluate"
	"github.com/pthm-cable/forage/grid"
	"github.com/pthm-cable/forage/metrics"
	"github.com/pthm-cable/forage/telemetry"
)

var metricPhases = []string{
	telemetry.PhaseDiffusion,
	telemetry.PhaseAdvection,
	telemetry.PhaseParticleFilter,
	telemetry.PhaseBlend,
}

func recordError(phase string) {
	metrics.OperatorErrors.WithLabelValues(phase).Inc()
}

// flushTelemetry computes the bin's stats, scores it against observed,
// and fans the result out to logs, metrics and output files.
func (e *Engine) flushTelemetry(f *Forecast, observed grid.Field) {
	stats := telemetry.ComputeBinStats(f.Bin, f.Time, f.Fields(), f.Diagnostics)
	if len(observed) > 0 {
		if brier, err := evaluate.FieldBrier(f.Blended, observed); err != nil {
			e.logger.Warn("scoring bin", "bin", f.Bin, "error", err)
		} else {
			stats.Brier = brier
			if err := e.collector.Score(f.Blended, observed); err != nil {
				e.logger.Warn("collecting scores", "bin", f.Bin, "error", err)
			}
		}
	}
	f.Stats = stats
	e.collector.Record(stats)

	for _, phase := range metricPhases {
		if d := e.perfCollector.PhaseDuration(phase); d > 0 {
			metrics.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
		}
	}
	metrics.BinsProcessed.Inc()
	metrics.EffectiveSampleSize.Set(stats.MeanESS)
	metrics.BlendedMass.Set(stats.BlendedMass)
	metrics.WeightFallbacks.Add(float64(stats.WeightFallback))

	e.logger.Info("forecast", "bin", f.Bin, "time", f.Time, "summary", f.Summary)
	stats.LogStats(e.logger)

	if e.outputManager != nil {
		if err := e.outputManager.WriteForecast(telemetry.ForecastRows(f.Bin, f.Time, f.Fields())); err != nil {
			e.logger.Error("failed to write forecast", "error", err)
		}
		if err := e.outputManager.WriteTelemetry(stats); err != nil {
			e.logger.Error("failed to write telemetry", "error", err)
		}
	}

	for _, bm := range e.bookmarks.Check(stats) {
		bm.LogBookmark(e.logger)
		if e.outputManager != nil {
			if err := e.outputManager.WriteBookmark(bm); err != nil {
				e.logger.Error("failed to write bookmark", "error", err)
			}
		}
	}

	if every := e.cfg.Telemetry.SnapshotEvery; every > 0 && (f.Bin+1)%every == 0 {
		e.saveSnapshot(f)
	}

	if window := e.cfg.Telemetry.PerfWindow; window > 0 && (f.Bin+1)%window == 0 {
		perfStats := e.perfCollector.Stats()
		perfStats.LogStats(e.logger)
		if e.outputManager != nil {
			if err := e.outputManager.WritePerf(perfStats, f.Bin); err != nil {
				e.logger.Error("failed to write perf", "error", err)
			}
		}
	}
}

func (e *Engine) saveSnapshot(f *Forecast) {
	if e.outputManager == nil {
		return
	}
	path, err := e.outputManager.WriteSnapshot(&telemetry.Snapshot{
		Version: telemetry.SnapshotVersion,
		Seed:    e.seed,
		Bin:     f.Bin,
		Time:    f.Time,
		Belief:  f.Blended,
	})
	if err != nil {
		e.logger.Error("failed to write snapshot", "error", err)
		return
	}
	e.logger.Info("snapshot saved", "bin", f.Bin, "path", path)
}

// Finish summarizes the run so far, logging it and writing the summary
// and reliability curve when output is enabled.
func (e *Engine) Finish() telemetry.RunStats {
	stats := e.collector.Flush()
	e.logger.Info("run complete", "stats", stats)

	if e.outputManager == nil {
		return stats
	}
	if err := e.outputManager.WriteRunStats(stats); err != nil {
		e.logger.Error("failed to write run summary", "error", err)
	}
	if stats.ScoredBins > 0 && !math.IsNaN(stats.PooledBrier) {
		curve, err := e.collector.Reliability(e.cfg.Telemetry.ReliabilityBins)
		if err != nil {
			e.logger.Error("failed to compute reliability curve", "error", err)
			return stats
		}
		if err := e.outputManager.WriteReliability(curve); err != nil {
			e.logger.Error("failed to write reliability curve", "error", err)
		}
	}
	return stats
}
