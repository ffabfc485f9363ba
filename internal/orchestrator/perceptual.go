package orchestrator

import (
	"sync"

	"github.com/corona10/goimagehash"

	"github.com/sudzxd/live-translator/internal/ocr"
	"github.com/sudzxd/live-translator/internal/screen"
)

type recognition struct {
	hash  *goimagehash.ImageHash
	spans []ocr.Span // region-relative
}

// nearDuplicates remembers the perceptual hash of each region recognized in
// the last iteration, so a region that changed only by noise (a blinking
// caret, antialiasing) can reuse the previous recognition.
type nearDuplicates struct {
	mu   sync.Mutex
	prev map[screen.Rect]recognition
	next map[screen.Rect]recognition
}

func (n *nearDuplicates) lookup(r screen.Rect) (recognition, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	rec, ok := n.prev[r]
	return rec, ok
}

func (n *nearDuplicates) record(r screen.Rect, rec recognition) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.next == nil {
		n.next = make(map[screen.Rect]recognition)
	}
	n.next[r] = rec
}

// rotate makes this iteration's recognitions the reference for the next.
func (n *nearDuplicates) rotate() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.next != nil {
		n.prev, n.next = n.next, nil
	}
}

func (n *nearDuplicates) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.prev, n.next = nil, nil
}
