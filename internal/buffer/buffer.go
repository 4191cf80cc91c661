// Package buffer implements C5, the StreamingBuffer: a per-(kind,key)
// aggregator that collapses rapid duplicates and flushes on a fixed
// cadence (spec.md §4.5). Dedup is by key identity only within a flush
// cycle — never by a timestamp comparison — per spec.md §9's account of
// the prior design that dedup'd on a wall-clock/timestamp field that
// didn't exist in the payload and starved aggregation indefinitely.
package buffer

import (
	"sync"
	"time"

	"github.com/mcfalli/patternstream/internal/events"
	"github.com/mcfalli/patternstream/internal/monitoring"
)

// BufferedRecord is one aggregated slot pending flush (spec.md §3.1).
type BufferedRecord struct {
	Kind        events.Kind
	Key         events.BufferKey
	LatestEvent *events.Event
	FirstSeenTS time.Time
	Priority    int
}

// Batch is everything flushed for one kind in one flush cycle.
type Batch struct {
	Kind    events.Kind
	Records []BufferedRecord
}

// Sink receives flushed batches; C6 (Broadcaster) implements this.
type Sink interface {
	DeliverBatch(batch Batch)
}

type kindBucket struct {
	order   []events.BufferKey
	records map[events.BufferKey]*BufferedRecord
}

func newKindBucket() *kindBucket {
	return &kindBucket{records: make(map[events.BufferKey]*BufferedRecord)}
}

// Config configures the StreamingBuffer (spec.md §6.4).
type Config struct {
	FlushInterval time.Duration
	MaxSize       int // per kind
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{FlushInterval: 250 * time.Millisecond, MaxSize: 100}
}

// Buffer is the StreamingBuffer (C5).
type Buffer struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[events.Kind]*kindBucket
	drops   *monitoring.DropCounter

	overflowCount int
	flushCount    int
}

// New creates a StreamingBuffer. drops may be nil when no MetricsCollector
// is configured.
func New(cfg Config, drops *monitoring.DropCounter) *Buffer {
	return &Buffer{cfg: cfg, buckets: make(map[events.Kind]*kindBucket), drops: drops}
}

// Add aggregates one event into its (kind,key) slot, overwriting
// latest_event if a record already exists for this flush cycle (spec.md
// §4.5). Events with no buffering key (health, lifecycle, alerts) are not
// handled here; C4 routes those directly to C6.
func (b *Buffer) Add(ev *events.Event) {
	key, ok := ev.Key()
	if !ok {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bucket, ok := b.buckets[ev.Kind]
	if !ok {
		bucket = newKindBucket()
		b.buckets[ev.Kind] = bucket
	}

	if existing, ok := bucket.records[key]; ok {
		existing.LatestEvent = ev
		existing.Priority = ev.Priority()
		return
	}

	bucket.records[key] = &BufferedRecord{
		Kind:        ev.Kind,
		Key:         key,
		LatestEvent: ev,
		FirstSeenTS: time.Now(),
		Priority:    ev.Priority(),
	}
	bucket.order = append(bucket.order, key)

	if len(bucket.order) > b.cfg.MaxSize {
		victim := bucket.order[0]
		bucket.order = bucket.order[1:]
		delete(bucket.records, victim)
		b.overflowCount++
		b.drops.Inc("buffer_overflow")
	}
}

// Flush drains every kind bucket, returning one Batch per kind that had at
// least one record, ordered priority-1 records before priority-0, each
// group preserving insertion order (spec.md §4.5). An empty buffer yields
// no batches (no heartbeat).
func (b *Buffer) Flush() []Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	batches := make([]Batch, 0, len(b.buckets))
	for kind, bucket := range b.buckets {
		if len(bucket.order) == 0 {
			continue
		}

		var highPriority, lowPriority []BufferedRecord
		for _, key := range bucket.order {
			rec := bucket.records[key]
			if rec.Priority >= 1 {
				highPriority = append(highPriority, *rec)
			} else {
				lowPriority = append(lowPriority, *rec)
			}
		}

		records := make([]BufferedRecord, 0, len(highPriority)+len(lowPriority))
		records = append(records, highPriority...)
		records = append(records, lowPriority...)

		batches = append(batches, Batch{Kind: kind, Records: records})
		b.buckets[kind] = newKindBucket()
	}

	b.flushCount++
	return batches
}

// RunFlusher ticks at cfg.FlushInterval, delivering non-empty batches to
// sink, until stop is closed. Intended to run as C5's one dedicated flush
// task (spec.md §5).
func (b *Buffer) RunFlusher(stop <-chan struct{}, sink Sink) {
	interval := b.cfg.FlushInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, batch := range b.Flush() {
				sink.DeliverBatch(batch)
			}
		}
	}
}

// OverflowCount returns the number of entries dropped due to the per-kind
// size bound being exceeded (metric buffer_overflow).
func (b *Buffer) OverflowCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflowCount
}

// FlushCount returns how many flush cycles have run.
func (b *Buffer) FlushCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushCount
}
