package translator

import (
	"context"
	"sync"
	"time"

	"github.com/sudzxd/live-translator/internal/trace"
)

// Write-behind batcher defaults
const (
	DefaultBatchMaxSize    = 50
	DefaultBatchFlushDelay = 2 * time.Second
	batchFlushTimeout      = 5 * time.Second
)

// Record is one translation waiting to be persisted.
type Record struct {
	Key   string
	Value string
}

// BatchWriter persists records in one round trip.
type BatchWriter interface {
	SetMany(ctx context.Context, records []Record, ttl time.Duration) error
}

// Batcher accumulates records and writes them in batches, either when
// maxSize records are pending or flushDelay after the last Add.
type Batcher struct {
	writer     BatchWriter
	ttl        time.Duration
	maxSize    int
	flushDelay time.Duration
	mu         sync.Mutex
	items      []Record
	timer      *time.Timer
	wg         sync.WaitGroup
}

// NewBatcher creates a batcher writing to w.
func NewBatcher(w BatchWriter, ttl time.Duration, maxSize int, flushDelay time.Duration) *Batcher {
	if maxSize <= 0 {
		maxSize = DefaultBatchMaxSize
	}
	if flushDelay <= 0 {
		flushDelay = DefaultBatchFlushDelay
	}
	return &Batcher{
		writer:     w,
		ttl:        ttl,
		maxSize:    maxSize,
		flushDelay: flushDelay,
		items:      make([]Record, 0, maxSize),
	}
}

// Add queues a record for batched storage.
func (b *Batcher) Add(key, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items = append(b.items, Record{Key: key, Value: value})

	if len(b.items) >= b.maxSize {
		b.flushLocked()
		return
	}

	// Start or reset timer for delayed flush
	if b.timer == nil {
		b.timer = time.AfterFunc(b.flushDelay, b.timerFlush)
	} else {
		b.timer.Reset(b.flushDelay)
	}
}

func (b *Batcher) timerFlush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

func (b *Batcher) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.items) == 0 {
		return
	}
	items := b.items
	b.items = make([]Record, 0, b.maxSize)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), batchFlushTimeout)
		defer cancel()
		ctx, span := trace.StartSpan(ctx, "translation_batch_flush")
		defer span.End()
		span.SetAttr("count", len(items))

		log := trace.Logger(ctx)
		if err := b.writer.SetMany(ctx, items, b.ttl); err != nil {
			span.SetAttr("error", err.Error())
			log.Warn("batch translation store failed", "error", err, "count", len(items))
			return
		}
		log.Debug("batch translations stored", "count", len(items))
	}()
}

// Flush forces immediate flush of pending records.
func (b *Batcher) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

// Stop flushes remaining records and waits for in-flight writes.
func (b *Batcher) Stop() {
	b.Flush()
	b.wg.Wait()
}

// Pending returns the number of queued records.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
