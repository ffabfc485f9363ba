package screen

import (
	"image"
	"image/draw"
	"time"
)

// Frame is one captured raster of the capture region. Image bounds always
// start at (0,0); Region records where on screen it came from.
type Frame struct {
	Image      *image.RGBA
	Region     Rect
	CapturedAt time.Time
}

// Bounds returns the frame-relative rectangle covering the whole image.
func (f *Frame) Bounds() Rect {
	return FromImageRect(f.Image.Bounds())
}

// Crop copies the frame-relative rectangle r into a new image anchored at
// (0,0), so the frame itself can be dropped while the crop is recognized.
func (f *Frame) Crop(r Rect) *image.RGBA {
	src := r.ImageRect().Intersect(f.Image.Bounds())
	dst := image.NewRGBA(image.Rect(0, 0, src.Dx(), src.Dy()))
	draw.Draw(dst, dst.Bounds(), f.Image, src.Min, draw.Src)
	return dst
}

// ToRGBA returns img as an *image.RGBA anchored at (0,0), copying only when
// needed.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
