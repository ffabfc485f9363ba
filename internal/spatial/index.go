// Package spatial partitions frames into a fixed grid of cells and computes a
// content signature per cell.
package spatial

import (
	"encoding/binary"
	"image"

	"github.com/cespare/xxhash/v2"
)

// DefaultCellSize balances dirty-region granularity against the number of
// signatures compared per frame.
const DefaultCellSize = 32

// CellID addresses one grid cell.
type CellID struct {
	Row int
	Col int
}

// Grid is the cell geometry of a frame. Two frames with equal Grids have
// comparable signatures.
type Grid struct {
	CellSize int
	Width    int
	Height   int
	Rows     int
	Cols     int
}

// NewGrid derives the geometry for a width x height frame. Edge cells are
// clipped to the frame.
func NewGrid(width, height, cellSize int) Grid {
	return Grid{
		CellSize: cellSize,
		Width:    width,
		Height:   height,
		Rows:     ceilDiv(height, cellSize),
		Cols:     ceilDiv(width, cellSize),
	}
}

// Len returns the number of cells.
func (g Grid) Len() int { return g.Rows * g.Cols }

// Index returns the row-major position of id.
func (g Grid) Index(id CellID) int { return id.Row*g.Cols + id.Col }

// ID returns the cell at row-major position i.
func (g Grid) ID(i int) CellID { return CellID{Row: i / g.Cols, Col: i % g.Cols} }

// Contains reports whether id lies inside the grid.
func (g Grid) Contains(id CellID) bool {
	return id.Row >= 0 && id.Row < g.Rows && id.Col >= 0 && id.Col < g.Cols
}

// CellRect returns the frame-relative pixel bounds of a cell.
func (g Grid) CellRect(id CellID) image.Rectangle {
	r := image.Rect(id.Col*g.CellSize, id.Row*g.CellSize, (id.Col+1)*g.CellSize, (id.Row+1)*g.CellSize)
	return r.Intersect(image.Rect(0, 0, g.Width, g.Height))
}

// Signatures maps every cell of one frame to its content signature.
type Signatures struct {
	Grid  Grid
	Cells []uint64 // row-major
}

// Get returns the signature of id.
func (s Signatures) Get(id CellID) (uint64, bool) {
	if !s.Grid.Contains(id) {
		return 0, false
	}
	return s.Cells[s.Grid.Index(id)], true
}

// Index computes cell signatures at a fixed cell size.
type Index struct {
	cellSize int
}

// NewIndex creates an index; non-positive sizes fall back to DefaultCellSize.
func NewIndex(cellSize int) *Index {
	if cellSize <= 0 {
		cellSize = DefaultCellSize
	}
	return &Index{cellSize: cellSize}
}

// CellSize returns the configured cell edge length in pixels.
func (x *Index) CellSize() int { return x.cellSize }

// Signatures hashes every cell of img. The hash covers the cell's exact RGBA
// bytes row by row, so any pixel change alters the input stream; identical
// pixels always produce identical signatures.
func (x *Index) Signatures(img *image.RGBA) Signatures {
	b := img.Bounds()
	grid := NewGrid(b.Dx(), b.Dy(), x.cellSize)
	sigs := Signatures{Grid: grid, Cells: make([]uint64, grid.Len())}

	d := xxhash.New()
	var dims [8]byte
	for i := range sigs.Cells {
		r := grid.CellRect(grid.ID(i)).Add(b.Min)
		d.Reset()
		binary.LittleEndian.PutUint32(dims[:4], uint32(r.Dx()))
		binary.LittleEndian.PutUint32(dims[4:], uint32(r.Dy()))
		_, _ = d.Write(dims[:])
		for y := r.Min.Y; y < r.Max.Y; y++ {
			start := img.PixOffset(r.Min.X, y)
			_, _ = d.Write(img.Pix[start : start+r.Dx()*4])
		}
		sigs.Cells[i] = d.Sum64()
	}
	return sigs
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
