// Package dirty turns cell signature diffs into rectangular dirty regions.
package dirty

import (
	"slices"
	"sync"

	"github.com/sudzxd/live-translator/internal/screen"
	"github.com/sudzxd/live-translator/internal/spatial"
)

// Detector remembers the previous frame's signatures and reports the
// regions that changed since. It advances on every Detect call.
type Detector struct {
	mu   sync.Mutex
	prev *spatial.Signatures
}

// NewDetector creates a detector with no history; its first Detect reports
// the full frame.
func NewDetector() *Detector {
	return &Detector{}
}

// Detect diffs next against the stored signatures and returns disjoint
// frame-relative regions, sorted by (Y, X). Changed cells are grouped by
// 4-connectivity, seeded in row-major order. A grid geometry change counts
// as every cell changing.
func (d *Detector) Detect(next spatial.Signatures) []screen.Rect {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.prev
	d.prev = &next

	grid := next.Grid
	if grid.Len() == 0 {
		return nil
	}
	if prev == nil || prev.Grid != grid {
		return []screen.Rect{{Width: grid.Width, Height: grid.Height}}
	}

	changed := make([]bool, grid.Len())
	found := false
	for i := range next.Cells {
		if next.Cells[i] != prev.Cells[i] {
			changed[i] = true
			found = true
		}
	}
	if !found {
		return nil
	}
	return Merge(components(grid, changed))
}

// Reset drops the stored signatures so the next Detect is a full rescan.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.prev = nil
	d.mu.Unlock()
}

// components flood-fills changed cells and returns each component's pixel
// bounding box in discovery order.
func components(grid spatial.Grid, changed []bool) []screen.Rect {
	var (
		regions []screen.Rect
		queue   []int
	)
	seen := make([]bool, len(changed))

	for seed := range changed {
		if !changed[seed] || seen[seed] {
			continue
		}
		seen[seed] = true
		queue = append(queue[:0], seed)
		minID, maxID := grid.ID(seed), grid.ID(seed)

		for len(queue) > 0 {
			i := queue[0]
			queue = queue[1:]
			id := grid.ID(i)
			minID.Row, minID.Col = min(minID.Row, id.Row), min(minID.Col, id.Col)
			maxID.Row, maxID.Col = max(maxID.Row, id.Row), max(maxID.Col, id.Col)

			for _, n := range [4]spatial.CellID{
				{Row: id.Row - 1, Col: id.Col},
				{Row: id.Row, Col: id.Col - 1},
				{Row: id.Row, Col: id.Col + 1},
				{Row: id.Row + 1, Col: id.Col},
			} {
				if !grid.Contains(n) {
					continue
				}
				j := grid.Index(n)
				if changed[j] && !seen[j] {
					seen[j] = true
					queue = append(queue, j)
				}
			}
		}

		box := grid.CellRect(minID).Union(grid.CellRect(maxID))
		regions = append(regions, screen.FromImageRect(box))
	}
	return regions
}

// Merge unions overlapping rectangles until no two overlap and returns them
// sorted by (Y, X). Rectangles that only share an edge stay separate.
func Merge(rects []screen.Rect) []screen.Rect {
	out := make([]screen.Rect, 0, len(rects))
	for _, r := range rects {
		if !r.Empty() {
			out = append(out, r)
		}
	}

	for merged := true; merged; {
		merged = false
		for i := 0; i < len(out) && !merged; i++ {
			for j := i + 1; j < len(out); j++ {
				if out[i].Overlaps(out[j]) {
					out[i] = out[i].Union(out[j])
					out = slices.Delete(out, j, j+1)
					merged = true
					break
				}
			}
		}
	}

	slices.SortFunc(out, func(a, b screen.Rect) int {
		if a.Y != b.Y {
			return a.Y - b.Y
		}
		return a.X - b.X
	})
	return out
}
