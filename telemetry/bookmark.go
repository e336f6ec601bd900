package telemetry

import (
	"fmt"
	"log/slog"
)

// BookmarkType identifies the type of bookmark.
type BookmarkType string

const (
	BookmarkHotspotShift   BookmarkType = "hotspot_shift"
	BookmarkMassSurge      BookmarkType = "mass_surge"
	BookmarkESSCollapse    BookmarkType = "ess_collapse"
	BookmarkFilterFallback BookmarkType = "filter_fallback"
	BookmarkStableHotspot  BookmarkType = "stable_hotspot"
)

// stableBins is how many consecutive bins the top cell must hold before a
// stable hotspot is flagged.
const stableBins = 5

// Bookmark marks a bin worth a closer look.
type Bookmark struct {
	RunID       string       `csv:"run_id"`
	Type        BookmarkType `csv:"type"`
	Bin         int          `csv:"bin"`
	Time        string       `csv:"time"`
	Description string       `csv:"description"`
}

// LogBookmark logs the bookmark on l.
func (b Bookmark) LogBookmark(l *slog.Logger) {
	l.Info("bookmark",
		"type", string(b.Type),
		"bin", b.Bin,
		"time", b.Time,
		"description", b.Description,
	)
}

// BookmarkDetector detects notable bins in a forecast run.
type BookmarkDetector struct {
	// Rolling history (circular buffer)
	history     []BinStats
	historySize int
	historyIdx  int
	historyFull bool

	lastTop   string
	topStreak int
}

// NewBookmarkDetector creates a detector with the given history size.
func NewBookmarkDetector(historySize int) *BookmarkDetector {
	if historySize < 3 {
		historySize = 3
	}
	return &BookmarkDetector{
		history:     make([]BinStats, historySize),
		historySize: historySize,
	}
}

// Check analyzes the latest stats and returns any triggered bookmarks.
func (bd *BookmarkDetector) Check(stats BinStats) []Bookmark {
	var bookmarks []Bookmark
	add := func(b *Bookmark) {
		if b != nil {
			b.Bin = stats.Bin
			b.Time = stats.Time
			bookmarks = append(bookmarks, *b)
		}
	}

	add(bd.checkFilterFallback(stats))
	if bd.historyFull || bd.historyIdx > 0 {
		add(bd.checkHotspotShift(stats))
		add(bd.checkMassSurge(stats))
		add(bd.checkESSCollapse(stats))
	}
	add(bd.checkStableHotspot(stats))

	bd.addToHistory(stats)
	return bookmarks
}

func (bd *BookmarkDetector) addToHistory(stats BinStats) {
	bd.history[bd.historyIdx] = stats
	bd.historyIdx = (bd.historyIdx + 1) % bd.historySize
	if bd.historyIdx == 0 {
		bd.historyFull = true
	}
}

func (bd *BookmarkDetector) getHistory() []BinStats {
	if bd.historyFull {
		return bd.history
	}
	return bd.history[:bd.historyIdx]
}

func (bd *BookmarkDetector) checkFilterFallback(stats BinStats) *Bookmark {
	if !stats.UniformPrior && stats.WeightFallback == 0 {
		return nil
	}
	return &Bookmark{
		Type:        BookmarkFilterFallback,
		Description: fmt.Sprintf("Particle filter fell back to uniform (prior=%t, weight steps=%d)", stats.UniformPrior, stats.WeightFallback),
	}
}

func (bd *BookmarkDetector) checkHotspotShift(stats BinStats) *Bookmark {
	if bd.lastTop == "" || stats.TopCell == "" || stats.TopCell == bd.lastTop {
		return nil
	}
	return &Bookmark{
		Type:        BookmarkHotspotShift,
		Description: fmt.Sprintf("Top cell moved from %s to %s (p=%.2f)", bd.lastTop, stats.TopCell, stats.TopP),
	}
}

func (bd *BookmarkDetector) checkMassSurge(stats BinStats) *Bookmark {
	history := bd.getHistory()
	if len(history) < 3 {
		return nil
	}

	var total float64
	for _, h := range history {
		total += h.BlendedMass
	}
	avg := total / float64(len(history))
	if avg == 0 {
		return nil
	}

	if stats.BlendedMass > avg*2.0 {
		return &Bookmark{
			Type:        BookmarkMassSurge,
			Description: fmt.Sprintf("Blended mass %.2f is %.1fx average (%.2f)", stats.BlendedMass, stats.BlendedMass/avg, avg),
		}
	}
	return nil
}

func (bd *BookmarkDetector) checkESSCollapse(stats BinStats) *Bookmark {
	history := bd.getHistory()
	if len(history) < 3 || stats.MinESS == 0 {
		return nil
	}

	var total float64
	for _, h := range history {
		total += h.MeanESS
	}
	avg := total / float64(len(history))
	if avg == 0 {
		return nil
	}

	if stats.MinESS < avg*0.1 {
		return &Bookmark{
			Type:        BookmarkESSCollapse,
			Description: fmt.Sprintf("Min ESS %.0f fell below 10%% of average (%.0f)", stats.MinESS, avg),
		}
	}
	return nil
}

func (bd *BookmarkDetector) checkStableHotspot(stats BinStats) *Bookmark {
	if stats.TopCell != "" && stats.TopCell == bd.lastTop {
		bd.topStreak++
	} else {
		bd.topStreak = 1
	}
	bd.lastTop = stats.TopCell

	if bd.topStreak == stableBins { // trigger exactly once per streak
		return &Bookmark{
			Type:        BookmarkStableHotspot,
			Description: fmt.Sprintf("%s has been the top cell for %d bins", stats.TopCell, stableBins),
		}
	}
	return nil
}
