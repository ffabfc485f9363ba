package ocr

import (
	"context"
	"image"

	"golang.org/x/image/draw"
)

// maxUpscale caps how far a tiny crop is enlarged.
const maxUpscale = 4

// Upscaler enlarges short crops before recognition; OCR engines misread
// glyphs only a few pixels tall. Span boxes are mapped back to the
// original crop's coordinates.
type Upscaler struct {
	next      Recognizer
	minHeight int
}

// NewUpscaler wraps next. Crops shorter than minHeight pixels are enlarged
// to at least minHeight; minHeight <= 0 disables scaling.
func NewUpscaler(next Recognizer, minHeight int) *Upscaler {
	return &Upscaler{next: next, minHeight: minHeight}
}

// Recognize implements Recognizer.
func (u *Upscaler) Recognize(ctx context.Context, img image.Image) ([]Span, error) {
	factor := u.factor(img.Bounds().Dy())
	if factor == 1 {
		return u.next.Recognize(ctx, img)
	}

	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx()*factor, b.Dy()*factor))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)

	spans, err := u.next.Recognize(ctx, dst)
	if err != nil {
		return nil, err
	}
	inv := 1 / float64(factor)
	for i := range spans {
		spans[i].BBox = spans[i].BBox.Scale(inv)
	}
	return spans, nil
}

func (u *Upscaler) factor(height int) int {
	if u.minHeight <= 0 || height <= 0 || height >= u.minHeight {
		return 1
	}
	f := (u.minHeight + height - 1) / height
	return min(f, maxUpscale)
}
