package telemetry

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/pthm-cable/forage/config"
	"github.com/pthm-cable/forage/evaluate"
	"github.com/pthm-cable/forage/grid"
)

// ForecastRow is one cell of one bin's forecast.
type ForecastRow struct {
	RunID   string  `csv:"run_id"`
	Bin     int     `csv:"bin"`
	Time    string  `csv:"time"`
	Cell    string  `csv:"cell_id"`
	Score   float64 `csv:"p_stage2"`
	Prior   float64 `csv:"prior"`
	Belief  float64 `csv:"p_pf"`
	Blended float64 `csv:"p_blend"`
	Rank    int     `csv:"rank"`
}

// ForecastRows flattens a bin's fields into rows ordered by rank.
func ForecastRows(bin int, time string, fs FieldSet) []ForecastRow {
	ranked := grid.TopN(fs.Blended, 0)
	rows := make([]ForecastRow, len(ranked))
	for i, r := range ranked {
		rows[i] = ForecastRow{
			Bin:     bin,
			Time:    time,
			Cell:    string(r.Cell),
			Score:   fs.Score[r.Cell],
			Prior:   fs.Prior[r.Cell],
			Belief:  fs.Belief[r.Cell],
			Blended: r.Value,
			Rank:    i + 1,
		}
	}
	return rows
}

// csvFile appends records to a CSV file, writing the header once.
type csvFile struct {
	f             *os.File
	headerWritten bool
}

func (c *csvFile) write(records any) error {
	if !c.headerWritten {
		if err := gocsv.Marshal(records, c.f); err != nil {
			return err
		}
		c.headerWritten = true
		return nil
	}
	return gocsv.MarshalWithoutHeaders(records, c.f)
}

// OutputManager handles structured run output with CSV logging.
type OutputManager struct {
	dir   string
	runID string

	forecast  *csvFile
	telemetry *csvFile
	perf      *csvFile
	bookmark  *csvFile
}

// NewOutputManager creates a new output manager and initializes the output directory.
// Returns nil if dir is empty (output disabled).
func NewOutputManager(dir string) (*OutputManager, error) {
	if dir == "" {
		return nil, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	om := &OutputManager{dir: dir, runID: uuid.NewString()}

	files := []struct {
		name string
		dst  **csvFile
	}{
		{"forecast.csv", &om.forecast},
		{"telemetry.csv", &om.telemetry},
		{"perf.csv", &om.perf},
		{"bookmarks.csv", &om.bookmark},
	}
	for _, spec := range files {
		f, err := os.Create(filepath.Join(dir, spec.name))
		if err != nil {
			om.Close()
			return nil, fmt.Errorf("creating %s: %w", spec.name, err)
		}
		*spec.dst = &csvFile{f: f}
	}

	return om, nil
}

// RunID returns the identifier stamped on every row of this run.
func (om *OutputManager) RunID() string {
	if om == nil {
		return ""
	}
	return om.runID
}

// WriteConfig saves the current configuration as YAML.
func (om *OutputManager) WriteConfig(cfg *config.Config) error {
	if om == nil {
		return nil
	}
	return cfg.WriteYAML(filepath.Join(om.dir, "config.yaml"))
}

// WriteForecast appends a bin's forecast rows to forecast.csv.
func (om *OutputManager) WriteForecast(rows []ForecastRow) error {
	if om == nil || len(rows) == 0 {
		return nil
	}
	for i := range rows {
		rows[i].RunID = om.runID
	}
	if err := om.forecast.write(rows); err != nil {
		return fmt.Errorf("writing forecast: %w", err)
	}
	return nil
}

// WriteTelemetry writes a bin stats record to telemetry.csv.
func (om *OutputManager) WriteTelemetry(stats BinStats) error {
	if om == nil {
		return nil
	}
	stats.RunID = om.runID
	if err := om.telemetry.write([]BinStats{stats}); err != nil {
		return fmt.Errorf("writing telemetry: %w", err)
	}
	return nil
}

// WritePerf writes a performance stats record to perf.csv.
func (om *OutputManager) WritePerf(stats PerfStats, binEnd int) error {
	if om == nil {
		return nil
	}
	rec := stats.ToCSV(binEnd)
	rec.RunID = om.runID
	if err := om.perf.write([]PerfStatsCSV{rec}); err != nil {
		return fmt.Errorf("writing perf: %w", err)
	}
	return nil
}

// WriteBookmark writes a bookmark record to bookmarks.csv.
func (om *OutputManager) WriteBookmark(b Bookmark) error {
	if om == nil {
		return nil
	}
	b.RunID = om.runID
	if err := om.bookmark.write([]Bookmark{b}); err != nil {
		return fmt.Errorf("writing bookmark: %w", err)
	}
	return nil
}

// WriteSnapshot saves a belief snapshot under the snapshots directory.
func (om *OutputManager) WriteSnapshot(s *Snapshot) (string, error) {
	if om == nil {
		return "", nil
	}
	s.RunID = om.runID
	return SaveSnapshot(s, filepath.Join(om.dir, "snapshots"))
}

// WriteReliability saves the run's reliability curve as reliability.csv.
func (om *OutputManager) WriteReliability(curve []evaluate.ReliabilityBin) error {
	if om == nil {
		return nil
	}
	f, err := os.Create(filepath.Join(om.dir, "reliability.csv"))
	if err != nil {
		return fmt.Errorf("creating reliability.csv: %w", err)
	}
	defer f.Close()
	if err := gocsv.Marshal(curve, f); err != nil {
		return fmt.Errorf("writing reliability: %w", err)
	}
	return nil
}

// WriteRunStats saves the run summary as summary.yaml.
func (om *OutputManager) WriteRunStats(s RunStats) error {
	if om == nil {
		return nil
	}
	doc := struct {
		RunID    string   `yaml:"run_id"`
		RunStats RunStats `yaml:",inline"`
	}{om.runID, s}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling run summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(om.dir, "summary.yaml"), data, 0644); err != nil {
		return fmt.Errorf("writing summary.yaml: %w", err)
	}
	return nil
}

// Dir returns the output directory path.
func (om *OutputManager) Dir() string {
	if om == nil {
		return ""
	}
	return om.dir
}

// Close flushes and closes all output files.
func (om *OutputManager) Close() error {
	if om == nil {
		return nil
	}

	var firstErr error
	for _, c := range []*csvFile{om.forecast, om.telemetry, om.perf, om.bookmark} {
		if c == nil || c.f == nil {
			continue
		}
		if err := c.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
