// Package screen captures rectangular screen regions into frames.
package screen

import (
	"context"
	"image"
	"time"

	"github.com/kbinani/screenshot"

	apperrors "github.com/sudzxd/live-translator/internal/errors"
)

// Capturer grabs the pixels of a screen region.
type Capturer interface {
	Capture(ctx context.Context, region Rect) (*Frame, error)
}

// backend performs the raw OS capture.
type backend interface {
	captureRect(r image.Rectangle) (image.Image, error)
	displays() int
}

type displayBackend struct{}

func (displayBackend) captureRect(r image.Rectangle) (image.Image, error) {
	return screenshot.CaptureRect(r)
}

func (displayBackend) displays() int { return screenshot.NumActiveDisplays() }

// ScreenCapturer captures from the active displays.
type ScreenCapturer struct {
	backend backend
	now     func() time.Time
}

// NewCapturer creates a capturer backed by the OS display APIs.
func NewCapturer() *ScreenCapturer {
	return &ScreenCapturer{backend: displayBackend{}, now: time.Now}
}

// Capture returns the region's pixels. Failures are CaptureFailed errors so
// the pipeline can treat them as transient.
func (c *ScreenCapturer) Capture(ctx context.Context, region Rect) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if region.Empty() {
		return nil, apperrors.Newf(apperrors.InvalidArgument, "empty capture region %s", region)
	}
	if c.backend.displays() == 0 {
		return nil, apperrors.New(apperrors.CaptureFailed, "no active display")
	}

	img, err := c.backend.captureRect(region.ImageRect())
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CaptureFailed, "capture %s", region)
	}
	rgba := ToRGBA(img)
	if !FromImageRect(rgba.Bounds()).SameSize(region) {
		return nil, apperrors.Newf(apperrors.CaptureFailed, "captured %v, want %s", rgba.Bounds().Size(), region)
	}
	return &Frame{Image: rgba, Region: region, CapturedAt: c.now()}, nil
}
