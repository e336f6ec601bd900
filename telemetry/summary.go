package telemetry

import (
	"fmt"
	"strings"

	"github.com/pthm-cable/forage/grid"
)

// Summary renders the ranked cells as a one-line forecast, e.g.
//
//	Next bin: r03c04 (p≈0.61), r03c05 (p≈0.22).
func Summary(top []grid.Ranked) string {
	if len(top) == 0 {
		return "Next bin: no cells."
	}
	parts := make([]string, len(top))
	for i, r := range top {
		parts[i] = fmt.Sprintf("%s (p≈%.2f)", r.Cell, r.Value)
	}
	return "Next bin: " + strings.Join(parts, ", ") + "."
}
