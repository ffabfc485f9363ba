package overlay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sudzxd/live-translator/internal/ocr"
)

func entry(text string) Entry {
	return Entry{Original: text, Translated: text + "!", Confidence: 0.9}
}

func TestCurrentBeforePublish(t *testing.T) {
	p := NewPublisher()
	set := p.Current()
	if set.Version != 0 || set.Entries == nil || len(set.Entries) != 0 {
		t.Errorf("Current() = %+v, want empty set", set)
	}
}

func TestPublishReplacesSet(t *testing.T) {
	p := NewPublisher()
	p.Publish([]Entry{entry("a"), entry("b")})
	set := p.Publish([]Entry{entry("c")})

	if set.Version != 2 {
		t.Errorf("Version = %d, want 2", set.Version)
	}
	cur := p.Current()
	if len(cur.Entries) != 1 || cur.Entries[0].Original != "c" {
		t.Errorf("Current() = %+v", cur)
	}
}

func TestPublishCopiesEntries(t *testing.T) {
	p := NewPublisher()
	in := []Entry{entry("a")}
	p.Publish(in)
	in[0].Original = "mutated"

	if got := p.Current().Entries[0].Original; got != "a" {
		t.Errorf("published entry changed to %q", got)
	}
}

func TestPublishEmpty(t *testing.T) {
	p := NewPublisher()
	p.Publish([]Entry{entry("a")})
	set := p.Publish(nil)
	if set.Entries == nil || len(set.Entries) != 0 {
		t.Errorf("Publish(nil) = %+v", set)
	}
	data, _ := json.Marshal(set)
	var decoded map[string]any
	_ = json.Unmarshal(data, &decoded)
	if _, ok := decoded["entries"].([]any); !ok {
		t.Errorf("entries encoded as %v, want []", decoded["entries"])
	}
}

func TestEntryJSON(t *testing.T) {
	e := Entry{
		Original:   "Hola",
		Translated: "Hello",
		Confidence: 0.95,
		BBox:       ocr.Quad{{10, 10}, {50, 10}, {50, 30}, {10, 30}},
	}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"original":"Hola","translated":"Hello","confidence":0.95,"bbox":[[10,10],[50,10],[50,30],[10,30]]}`
	if string(data) != want {
		t.Errorf("json = %s\nwant   %s", data, want)
	}
}

func TestSubscribeNotified(t *testing.T) {
	p := NewPublisher()
	ch, cancel := p.Subscribe()
	defer cancel()

	p.Publish([]Entry{entry("a")})
	p.Publish([]Entry{entry("b")})

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}
	if got := p.Current().Entries[0].Original; got != "b" {
		t.Errorf("latest = %q, want b", got)
	}
}

func TestConcurrentReadersSeeWholeSets(t *testing.T) {
	p := NewPublisher()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				set := p.Current()
				if set.Version > 0 && len(set.Entries) != int(set.Version%3)+1 {
					t.Errorf("torn set: version %d with %d entries", set.Version, len(set.Entries))
					return
				}
			}
		}()
	}

	for v := uint64(1); v <= 200; v++ {
		entries := make([]Entry, int(v%3)+1)
		p.Publish(entries)
	}
	close(stop)
	wg.Wait()
}

func TestHistoryRecordsNewLinesOnce(t *testing.T) {
	h := NewHistory(10)
	p := NewPublisher()
	observe := func(entries ...Entry) { h.Observe(p.Publish(entries).Entries) }

	observe(entry("a"), entry("b"))
	observe(entry("a"), entry("b"))
	observe(entry("b"), entry("c"))

	lines := h.Recent(0)
	var got []string
	for _, l := range lines {
		got = append(got, l.Original)
	}
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("history = %v, want [a b c]", got)
	}

	// A line that leaves the screen and comes back is recorded again.
	observe()
	observe(entry("a"))
	if h.Len() != 4 {
		t.Errorf("Len() = %d, want 4", h.Len())
	}
}

func TestHistoryFollowsPublisher(t *testing.T) {
	h := NewHistory(10)
	p := NewPublisher()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Follow(ctx, p)
	}()

	// Subscription happens inside Follow; publish until it is observed.
	deadline := time.Now().Add(2 * time.Second)
	for h.Len() == 0 && time.Now().Before(deadline) {
		p.Publish([]Entry{entry("a")})
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if h.Len() != 1 {
		t.Errorf("Len() = %d, want 1", h.Len())
	}
}

func TestHistoryBoundedAndWindowed(t *testing.T) {
	h := NewHistory(2)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	h.Observe([]Entry{entry("old")})
	now = now.Add(time.Minute)
	h.Observe([]Entry{entry("mid")})
	h.Observe([]Entry{entry("new")})

	if h.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", h.Len())
	}
	recent := h.Recent(30 * time.Second)
	if len(recent) != 2 || recent[0].Original != "mid" || recent[1].Translated != "new!" {
		t.Errorf("Recent() = %+v", recent)
	}
	now = now.Add(time.Hour)
	if len(h.Recent(time.Minute)) != 0 {
		t.Error("stale lines returned")
	}
}
