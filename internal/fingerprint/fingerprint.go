// Package fingerprint derives cache keys from image regions and text.
package fingerprint

import (
	"encoding/binary"
	"fmt"
	"image"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/corona10/goimagehash"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Digest is an exact content hash of an image region.
type Digest uint64

func (d Digest) String() string { return fmt.Sprintf("%016x", uint64(d)) }

// Region hashes the pixels of img exactly. Regions with identical pixels and
// dimensions share a digest regardless of where they were on screen.
func Region(img *image.RGBA) Digest {
	b := img.Bounds()
	d := xxhash.New()
	var dims [8]byte
	binary.LittleEndian.PutUint32(dims[:4], uint32(b.Dx()))
	binary.LittleEndian.PutUint32(dims[4:], uint32(b.Dy()))
	_, _ = d.Write(dims[:])
	for y := b.Min.Y; y < b.Max.Y; y++ {
		start := img.PixOffset(b.Min.X, y)
		_, _ = d.Write(img.Pix[start : start+b.Dx()*4])
	}
	return Digest(d.Sum64())
}

// Perceptual returns a difference hash of img. Unlike Region it tolerates
// small visual noise, so it is only used to spot near-duplicates.
func Perceptual(img image.Image) (*goimagehash.ImageHash, error) {
	return goimagehash.DifferenceHash(img)
}

// Similar reports whether two perceptual hashes are within maxDistance bits.
func Similar(a, b *goimagehash.ImageHash, maxDistance int) bool {
	if a == nil || b == nil || maxDistance < 0 {
		return false
	}
	d, err := a.Distance(b)
	return err == nil && d <= maxDistance
}

// TextKey keys the translation cache. Text is normalized; the language pair
// is part of the key so switching languages never returns a stale result.
type TextKey struct {
	Source string
	Target string
	Text   string
}

// NewTextKey normalizes text for the given language pair.
func NewTextKey(text, source, target string) TextKey {
	return TextKey{Source: source, Target: target, Text: NormalizeText(text)}
}

// Hash returns a compact digest of the key for external stores.
func (k TextKey) Hash() string {
	return fmt.Sprintf("%s:%s:%016x", k.Source, k.Target, xxhash.Sum64String(k.Text))
}

// NormalizeText applies NFKC, collapses runs of whitespace to one space,
// trims, and case folds.
func NormalizeText(s string) string {
	s = norm.NFKC.String(s)
	s = strings.Join(strings.Fields(s), " ")
	return cases.Fold().String(s)
}
