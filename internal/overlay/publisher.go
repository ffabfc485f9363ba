// Package overlay holds the positioned translations shown over the capture
// region and publishes them to readers.
package overlay

import (
	"slices"
	"time"

	"github.com/sudzxd/live-translator/internal/ocr"
	"github.com/sudzxd/live-translator/internal/syncx"
)

// Entry is one translated piece of text, positioned relative to the capture
// region.
type Entry struct {
	Original   string   `json:"original"`
	Translated string   `json:"translated"`
	Confidence float64  `json:"confidence"`
	BBox       ocr.Quad `json:"bbox"`
}

// Set is the complete collection of entries to display. A published Set is
// never modified.
type Set struct {
	Entries     []Entry   `json:"entries"`
	Version     uint64    `json:"version"`
	PublishedAt time.Time `json:"published_at"`
}

// Publisher holds the latest Set. Publishing replaces it wholesale, so
// readers see either the old set or the new one.
type Publisher struct {
	current *syncx.RWGuard[Set]
	changed *syncx.Signal
	now     func() time.Time
}

// NewPublisher creates a publisher whose current set is empty.
func NewPublisher() *Publisher {
	return &Publisher{
		current: syncx.NewGuard(Set{Entries: []Entry{}}),
		changed: syncx.NewSignal(),
		now:     time.Now,
	}
}

// Publish replaces the current set with a copy of entries and returns it.
func (p *Publisher) Publish(entries []Entry) Set {
	next := Set{Entries: slices.Clone(entries), PublishedAt: p.now()}
	if next.Entries == nil {
		next.Entries = []Entry{}
	}
	set := p.current.Update(func(prev Set) Set {
		next.Version = prev.Version + 1
		return next
	})
	p.changed.Notify()
	return set
}

// Current returns the latest published set. Before the first publish it is
// the empty set with version 0.
func (p *Publisher) Current() Set {
	return p.current.Get()
}

// Subscribe returns a channel that receives a value after each publish.
// Notifications coalesce; a receiver should read Current. Call cancel to
// unsubscribe.
func (p *Publisher) Subscribe() (<-chan struct{}, func()) {
	return p.changed.Subscribe()
}
