package screen

import (
	"fmt"
	"image"
)

// Rect is an axis-aligned rectangle in pixels. Dirty regions use
// frame-relative coordinates; capture regions use screen coordinates.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// FromImageRect converts an image.Rectangle.
func FromImageRect(r image.Rectangle) Rect {
	return Rect{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

// ImageRect converts to an image.Rectangle.
func (r Rect) ImageRect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// Empty reports whether the rectangle covers no pixels.
func (r Rect) Empty() bool { return r.Width <= 0 || r.Height <= 0 }

// Area returns the covered pixel count.
func (r Rect) Area() int {
	if r.Empty() {
		return 0
	}
	return r.Width * r.Height
}

// Overlaps reports whether r and o share at least one pixel.
func (r Rect) Overlaps(o Rect) bool {
	return r.ImageRect().Overlaps(o.ImageRect())
}

// Union returns the smallest rectangle containing both.
func (r Rect) Union(o Rect) Rect {
	if r.Empty() {
		return o
	}
	if o.Empty() {
		return r
	}
	return FromImageRect(r.ImageRect().Union(o.ImageRect()))
}

// Intersect returns the shared area, empty if none.
func (r Rect) Intersect(o Rect) Rect {
	return FromImageRect(r.ImageRect().Intersect(o.ImageRect()))
}

// SameSize reports whether both rectangles have identical dimensions.
func (r Rect) SameSize(o Rect) bool {
	return r.Width == o.Width && r.Height == o.Height
}

func (r Rect) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.X, r.Y)
}
