// Package ocr defines the text recognition capability and its result types.
package ocr

import (
	"context"
	"encoding/json"
	"image"
	"math"
)

// Point is a corner of a bounding polygon, in pixels.
type Point struct {
	X float64
	Y float64
}

// MarshalJSON encodes the point as [x, y].
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.X, p.Y})
}

// UnmarshalJSON decodes [x, y].
func (p *Point) UnmarshalJSON(data []byte) error {
	var xy [2]float64
	if err := json.Unmarshal(data, &xy); err != nil {
		return err
	}
	p.X, p.Y = xy[0], xy[1]
	return nil
}

// Quad is a four-corner bounding polygon, clockwise from top-left. It need
// not be axis-aligned.
type Quad [4]Point

// QuadFromRect builds an axis-aligned quad.
func QuadFromRect(r image.Rectangle) Quad {
	x0, y0, x1, y1 := float64(r.Min.X), float64(r.Min.Y), float64(r.Max.X), float64(r.Max.Y)
	return Quad{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}}
}

// Translate shifts every corner by (dx, dy).
func (q Quad) Translate(dx, dy float64) Quad {
	for i := range q {
		q[i].X += dx
		q[i].Y += dy
	}
	return q
}

// Scale multiplies every coordinate by f.
func (q Quad) Scale(f float64) Quad {
	for i := range q {
		q[i].X *= f
		q[i].Y *= f
	}
	return q
}

// Bounds returns the smallest integer rectangle containing the quad.
func (q Quad) Bounds() image.Rectangle {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range q {
		minX, minY = math.Min(minX, p.X), math.Min(minY, p.Y)
		maxX, maxY = math.Max(maxX, p.X), math.Max(maxY, p.Y)
	}
	return image.Rect(int(math.Floor(minX)), int(math.Floor(minY)), int(math.Ceil(maxX)), int(math.Ceil(maxY)))
}

// Span is one recognized piece of text.
type Span struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"` // 0..1
	BBox       Quad    `json:"bbox"`
}

// Result is the immutable output of recognizing one region. Span boxes are
// relative to the recognized image.
type Result struct {
	Spans []Span
}

// Recognizer extracts text spans from an image. Span boxes are relative to
// img's bounds origin.
type Recognizer interface {
	Recognize(ctx context.Context, img image.Image) ([]Span, error)
}

// FilterConfidence drops spans below min, preserving order.
func FilterConfidence(spans []Span, min float64) []Span {
	out := spans[:0:0]
	for _, s := range spans {
		if s.Confidence >= min {
			out = append(out, s)
		}
	}
	return out
}
