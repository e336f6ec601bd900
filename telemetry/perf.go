package telemetry

import (
	"log/slog"
	"time"
)

// Phase names for one forecast bin.
const (
	PhaseDiffusion      = "diffusion"
	PhaseAdvection      = "advection"
	PhaseParticleFilter = "particle_filter"
	PhaseBlend          = "blend"
	PhaseTelemetry      = "telemetry"
)

var phases = []string{
	PhaseDiffusion, PhaseAdvection, PhaseParticleFilter, PhaseBlend, PhaseTelemetry,
}

// PerfSample holds timing data for a single bin.
type PerfSample struct {
	BinDuration time.Duration
	Phases      map[string]time.Duration
}

// PerfCollector tracks performance metrics over a rolling window of bins.
type PerfCollector struct {
	windowSize    int
	samples       []PerfSample
	writeIndex    int
	sampleCount   int
	currentPhases map[string]time.Duration
	binStart      time.Time
	phaseStart    time.Time
	lastPhase     string
}

// NewPerfCollector creates a new performance collector.
// windowSize: number of bins to average over.
func NewPerfCollector(windowSize int) *PerfCollector {
	if windowSize < 1 {
		windowSize = 30
	}
	return &PerfCollector{
		windowSize:    windowSize,
		samples:       make([]PerfSample, windowSize),
		currentPhases: make(map[string]time.Duration),
	}
}

// StartBin begins timing a new bin.
func (p *PerfCollector) StartBin() {
	p.binStart = time.Now()
	p.currentPhases = make(map[string]time.Duration)
	p.lastPhase = ""
}

// StartPhase begins timing a specific phase, ending the previous one.
func (p *PerfCollector) StartPhase(phase string) {
	now := time.Now()
	if p.lastPhase != "" {
		p.currentPhases[p.lastPhase] += now.Sub(p.phaseStart)
	}
	p.phaseStart = now
	p.lastPhase = phase
}

// EndBin finishes timing the current bin and records the sample.
func (p *PerfCollector) EndBin() {
	now := time.Now()
	if p.lastPhase != "" {
		p.currentPhases[p.lastPhase] += now.Sub(p.phaseStart)
	}

	p.samples[p.writeIndex] = PerfSample{
		BinDuration: now.Sub(p.binStart),
		Phases:      p.currentPhases,
	}
	p.writeIndex = (p.writeIndex + 1) % p.windowSize
	if p.sampleCount < p.windowSize {
		p.sampleCount++
	}
}

// PhaseDuration returns the time spent so far in phase during the current
// bin.
func (p *PerfCollector) PhaseDuration(phase string) time.Duration {
	d := p.currentPhases[phase]
	if p.lastPhase == phase {
		d += time.Since(p.phaseStart)
	}
	return d
}

// PerfStats holds aggregated performance statistics.
type PerfStats struct {
	AvgBinDuration time.Duration
	MinBinDuration time.Duration
	MaxBinDuration time.Duration

	// Phase breakdown (average durations)
	PhaseAvg map[string]time.Duration

	// Phase percentages of total bin time
	PhasePct map[string]float64

	BinsPerSecond float64
}

// Stats computes aggregated statistics over the current window.
func (p *PerfCollector) Stats() PerfStats {
	if p.sampleCount == 0 {
		return PerfStats{
			PhaseAvg: make(map[string]time.Duration),
			PhasePct: make(map[string]float64),
		}
	}

	var total, minBin, maxBin time.Duration
	phaseSum := make(map[string]time.Duration)

	for i := 0; i < p.sampleCount; i++ {
		s := p.samples[i]
		total += s.BinDuration

		if i == 0 || s.BinDuration < minBin {
			minBin = s.BinDuration
		}
		if s.BinDuration > maxBin {
			maxBin = s.BinDuration
		}

		for phase, dur := range s.Phases {
			phaseSum[phase] += dur
		}
	}

	avg := total / time.Duration(p.sampleCount)

	phaseAvg := make(map[string]time.Duration)
	phasePct := make(map[string]float64)
	for phase, sum := range phaseSum {
		phaseAvg[phase] = sum / time.Duration(p.sampleCount)
		if avg > 0 {
			phasePct[phase] = float64(phaseAvg[phase]) / float64(avg) * 100
		}
	}

	var perSec float64
	if avg > 0 {
		perSec = float64(time.Second) / float64(avg)
	}

	return PerfStats{
		AvgBinDuration: avg,
		MinBinDuration: minBin,
		MaxBinDuration: maxBin,
		PhaseAvg:       phaseAvg,
		PhasePct:       phasePct,
		BinsPerSecond:  perSec,
	}
}

// LogStats logs performance statistics on l.
func (s PerfStats) LogStats(l *slog.Logger) {
	attrs := []any{
		"avg_bin_us", s.AvgBinDuration.Microseconds(),
		"min_bin_us", s.MinBinDuration.Microseconds(),
		"max_bin_us", s.MaxBinDuration.Microseconds(),
		"bins_per_sec", s.BinsPerSecond,
	}

	for _, phase := range phases {
		if pct, ok := s.PhasePct[phase]; ok && pct > 0.1 {
			attrs = append(attrs, phase+"_pct", float64(int(pct*10))/10)
		}
	}

	l.Info("perf", attrs...)
}

// LogValue implements slog.LogValuer for structured logging.
func (s PerfStats) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int64("avg_bin_us", s.AvgBinDuration.Microseconds()),
		slog.Int64("min_bin_us", s.MinBinDuration.Microseconds()),
		slog.Int64("max_bin_us", s.MaxBinDuration.Microseconds()),
		slog.Float64("bins_per_sec", s.BinsPerSecond),
	}
	for _, phase := range phases {
		if pct, ok := s.PhasePct[phase]; ok {
			attrs = append(attrs, slog.Float64(phase+"_pct", pct))
		}
	}
	return slog.GroupValue(attrs...)
}

// PerfStatsCSV is a flat struct for CSV export of performance stats.
type PerfStatsCSV struct {
	RunID             string  `csv:"run_id"`
	BinEnd            int     `csv:"bin_end"`
	AvgBinUS          int64   `csv:"avg_bin_us"`
	MinBinUS          int64   `csv:"min_bin_us"`
	MaxBinUS          int64   `csv:"max_bin_us"`
	BinsPerSec        float64 `csv:"bins_per_sec"`
	DiffusionPct      float64 `csv:"diffusion_pct"`
	AdvectionPct      float64 `csv:"advection_pct"`
	ParticleFilterPct float64 `csv:"particle_filter_pct"`
	BlendPct          float64 `csv:"blend_pct"`
	TelemetryPct      float64 `csv:"telemetry_pct"`
}

// ToCSV converts PerfStats to a flat CSV-friendly struct.
func (s PerfStats) ToCSV(binEnd int) PerfStatsCSV {
	return PerfStatsCSV{
		BinEnd:            binEnd,
		AvgBinUS:          s.AvgBinDuration.Microseconds(),
		MinBinUS:          s.MinBinDuration.Microseconds(),
		MaxBinUS:          s.MaxBinDuration.Microseconds(),
		BinsPerSec:        s.BinsPerSecond,
		DiffusionPct:      s.PhasePct[PhaseDiffusion],
		AdvectionPct:      s.PhasePct[PhaseAdvection],
		ParticleFilterPct: s.PhasePct[PhaseParticleFilter],
		BlendPct:          s.PhasePct[PhaseBlend],
		TelemetryPct:      s.PhasePct[PhaseTelemetry],
	}
}
