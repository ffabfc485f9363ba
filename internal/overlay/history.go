package overlay

import (
	"context"
	"sync"
	"time"
)

// Line is a translation as first seen on screen.
type Line struct {
	Timestamp  time.Time `json:"timestamp"`
	Original   string    `json:"original"`
	Translated string    `json:"translated"`
}

// History keeps a bounded log of the distinct translations that have
// appeared in published sets. A line that stays on screen across publishes
// is recorded once.
type History struct {
	mu      sync.RWMutex
	lines   []Line
	maxSize int
	onShow  map[string]struct{} // pairs in the latest set
	now     func() time.Time
}

// NewHistory creates a history holding at most maxLines lines.
func NewHistory(maxLines int) *History {
	if maxLines <= 0 {
		maxLines = 1
	}
	return &History{
		lines:   make([]Line, 0, maxLines),
		maxSize: maxLines,
		now:     time.Now,
	}
}

// Observe records the entries of a newly published set that were not
// already on screen.
func (h *History) Observe(entries []Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	shown := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		key := e.Original + "\x00" + e.Translated
		if _, dup := shown[key]; dup {
			continue
		}
		shown[key] = struct{}{}
		if _, ok := h.onShow[key]; ok {
			continue
		}
		h.lines = append(h.lines, Line{Timestamp: now, Original: e.Original, Translated: e.Translated})
	}
	h.onShow = shown

	if len(h.lines) > h.maxSize {
		h.lines = append(h.lines[:0], h.lines[len(h.lines)-h.maxSize:]...)
	}
}

// Follow observes every set p publishes until ctx is done. Sets published
// in quick succession may coalesce, so a line shown only briefly can be
// missed.
func (h *History) Follow(ctx context.Context, p *Publisher) {
	updates, cancel := p.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-updates:
			if !ok {
				return
			}
			h.Observe(p.Current().Entries)
		}
	}
}

// Recent returns the lines recorded within the last window, oldest first.
// A non-positive window returns every line.
func (h *History) Recent(window time.Duration) []Line {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var cutoff time.Time
	if window > 0 {
		cutoff = h.now().Add(-window)
	}
	result := make([]Line, 0, len(h.lines))
	for _, l := range h.lines {
		if !l.Timestamp.Before(cutoff) {
			result = append(result, l)
		}
	}
	return result
}

// Len returns the number of stored lines.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.lines)
}
