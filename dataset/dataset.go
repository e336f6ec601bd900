// Package dataset reads per-bin model output and observations from CSV and
// groups them into the time bins the engine steps through.
package dataset

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/gocarina/gocsv"

	"github.com/pthm-cable/forage/grid"
	"github.com/pthm-cable/forage/systems"
)

// ErrInvalidScore is returned for a score that cannot be read as the
// configured kind.
var ErrInvalidScore = errors.New("dataset: invalid score")

// Row is one cell in one time bin.
type Row struct {
	Time  string  `csv:"time"`
	Cell  string  `csv:"cell_id"`
	X     float64 `csv:"x"`
	Y     float64 `csv:"y"`
	Count float64 `csv:"count"`
	Occ   int     `csv:"occ"`
	Score float64 `csv:"p_stage2"` // model output: probability or intensity
	WindU float64 `csv:"wind_u"`
	WindV float64 `csv:"wind_v"`
}

// ScoreKind says how the score column is to be read.
type ScoreKind string

const (
	// Probability scores are occupancy probabilities, clamped to [0,1].
	Probability ScoreKind = "probability"
	// Intensity scores are Poisson rates λ, read as P(count > 0) = 1 - exp(-λ).
	Intensity ScoreKind = "intensity"
)

// ParseScoreKind maps a config name to a ScoreKind.
func ParseScoreKind(s string) (ScoreKind, error) {
	switch ScoreKind(s) {
	case "", Probability:
		return Probability, nil
	case Intensity:
		return Intensity, nil
	}
	return "", fmt.Errorf("dataset: unknown score kind %q", s)
}

// Probability converts a raw score of kind k to an occupancy probability.
func (k ScoreKind) Probability(v float64) (float64, error) {
	if math.IsNaN(v) {
		return 0, fmt.Errorf("%w: NaN", ErrInvalidScore)
	}
	switch k {
	case Intensity:
		if v < 0 {
			return 0, fmt.Errorf("%w: negative intensity %g", ErrInvalidScore, v)
		}
		return -math.Expm1(-v), nil
	default:
		return grid.Clamp01(v), nil
	}
}

// Bin holds everything known about one forecast interval.
type Bin struct {
	Time     string
	Scores   grid.Field // occupancy probability per cell
	Observed grid.Field // occ indicator per cell, 0 or 1
	Wind     systems.Wind
}

// ReadRows decodes rows from CSV with a header line.
func ReadRows(r io.Reader) ([]Row, error) {
	var rows []Row
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, fmt.Errorf("reading rows: %w", err)
	}
	return rows, nil
}

// LoadRows reads rows from a CSV file.
func LoadRows(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return ReadRows(f)
}

// WriteRows encodes rows as CSV with a header line.
func WriteRows(w io.Writer, rows []Row) error {
	if err := gocsv.Marshal(rows, w); err != nil {
		return fmt.Errorf("writing rows: %w", err)
	}
	return nil
}

// GroupBins groups rows by time in first-seen order. A bin's wind is the
// mean over its rows. A cell listed twice in one bin is an error.
func GroupBins(rows []Row, kind ScoreKind) ([]Bin, error) {
	var bins []Bin
	index := make(map[string]int)
	var windN []int

	for i, r := range rows {
		if r.Cell == "" {
			return nil, fmt.Errorf("row %d: empty cell_id", i+1)
		}
		k, ok := index[r.Time]
		if !ok {
			k = len(bins)
			index[r.Time] = k
			bins = append(bins, Bin{
				Time:     r.Time,
				Scores:   make(grid.Field),
				Observed: make(grid.Field),
			})
			windN = append(windN, 0)
		}
		b := &bins[k]
		c := grid.Cell(r.Cell)
		if _, dup := b.Scores[c]; dup {
			return nil, fmt.Errorf("row %d: cell %q repeated in bin %q", i+1, c, r.Time)
		}
		p, err := kind.Probability(r.Score)
		if err != nil {
			return nil, fmt.Errorf("row %d (%s, %s): %w", i+1, r.Time, c, err)
		}
		b.Scores[c] = p
		if r.Occ > 0 {
			b.Observed[c] = 1
		} else {
			b.Observed[c] = 0
		}
		b.Wind.U += r.WindU
		b.Wind.V += r.WindV
		windN[k]++
	}

	for k := range bins {
		n := float64(windN[k])
		bins[k].Wind.U /= n
		bins[k].Wind.V /= n
	}
	return bins, nil
}

// FillCoordinates copies row positions into topo for cells that have none.
// Positions already present are left alone.
func FillCoordinates(topo *grid.Topology, rows []Row) {
	if topo.Coords == nil {
		topo.Coords = make(grid.Coordinates)
	}
	for _, r := range rows {
		c := grid.Cell(r.Cell)
		if _, ok := topo.Coords[c]; ok {
			continue
		}
		topo.Coords[c] = grid.Point{X: r.X, Y: r.Y}
	}
}
