// Package tesseract recognizes text locally with the Tesseract engine.
package tesseract

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"strings"

	"github.com/otiai10/gosseract/v2"

	apperrors "github.com/sudzxd/live-translator/internal/errors"
	"github.com/sudzxd/live-translator/internal/ocr"
)

// Options configures the engine pool.
type Options struct {
	Languages     []string // tesseract traineddata names, e.g. "spa"
	PoolSize      int
	MinConfidence float64 // 0..1; lower spans are discarded
}

// Engine implements ocr.Recognizer with a bounded pool of tesseract
// clients. A client is not safe for concurrent use, so each call borrows
// one exclusively.
type Engine struct {
	opts    Options
	clients chan *gosseract.Client
}

// New creates an engine. Clients are created lazily up to PoolSize.
func New(opts Options) *Engine {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 1
	}
	e := &Engine{opts: opts, clients: make(chan *gosseract.Client, opts.PoolSize)}
	for i := 0; i < opts.PoolSize; i++ {
		e.clients <- nil
	}
	return e
}

// Recognize implements ocr.Recognizer.
func (e *Engine) Recognize(ctx context.Context, img image.Image) ([]ocr.Span, error) {
	var client *gosseract.Client
	select {
	case client = <-e.clients:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if client == nil {
		client = gosseract.NewClient()
		if len(e.opts.Languages) > 0 {
			if err := client.SetLanguage(e.opts.Languages...); err != nil {
				_ = client.Close()
				e.clients <- nil
				return nil, apperrors.Wrap(err, apperrors.Unavailable, "tesseract language setup")
			}
		}
	}
	defer func() { e.clients <- client }()

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, apperrors.Wrap(err, apperrors.InvalidArgument, "encode region")
	}
	if err := client.SetImageFromBytes(buf.Bytes()); err != nil {
		return nil, apperrors.Wrap(err, apperrors.OCRFailed, "load region")
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.OCRFailed, "tesseract recognition")
	}
	return toSpans(boxes, e.opts.MinConfidence), nil
}

// Close releases every idle client.
func (e *Engine) Close() error {
	for i := 0; i < cap(e.clients); i++ {
		if c := <-e.clients; c != nil {
			_ = c.Close()
		}
	}
	return nil
}

// toSpans converts tesseract line boxes to spans. Boxes are already relative
// to the encoded image's top-left; confidence is on a 0..100 scale.
func toSpans(boxes []gosseract.BoundingBox, minConfidence float64) []ocr.Span {
	spans := make([]ocr.Span, 0, len(boxes))
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" {
			continue
		}
		spans = append(spans, ocr.Span{
			Text:       text,
			Confidence: min(max(b.Confidence/100, 0), 1),
			BBox:       ocr.QuadFromRect(b.Box),
		})
	}
	return ocr.FilterConfidence(spans, minConfidence)
}
