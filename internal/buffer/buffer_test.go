package buffer

import (
	"testing"
	"time"

	"github.com/mcfalli/patternstream/internal/events"
)

func detectionEvent(symbol string, confidence float64) *events.Event {
	return &events.Event{
		Kind: events.KindPattern,
		Detection: &events.Detection{
			Symbol:      symbol,
			PatternName: "Doji",
			Confidence:  confidence,
			DetectedAt:  time.Now(),
		},
	}
}

func TestFlushAggregationScenario(t *testing.T) {
	b := New(Config{FlushInterval: 250 * time.Millisecond, MaxSize: 100}, nil)

	b.Add(detectionEvent("AAPL", 0.70))
	b.Add(detectionEvent("AAPL", 0.85))
	b.Add(detectionEvent("NVDA", 0.60))

	batches := b.Flush()
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch (single kind), got %d", len(batches))
	}
	records := batches[0].Records
	if len(records) != 2 {
		t.Fatalf("expected 2 aggregated records, got %d", len(records))
	}

	bySymbol := make(map[string]float64)
	for _, r := range records {
		bySymbol[r.Key.Symbol] = r.LatestEvent.Detection.Confidence
	}
	if bySymbol["AAPL"] != 0.85 {
		t.Fatalf("expected AAPL latest confidence 0.85, got %v", bySymbol["AAPL"])
	}
	if bySymbol["NVDA"] != 0.60 {
		t.Fatalf("expected NVDA confidence 0.60, got %v", bySymbol["NVDA"])
	}
}

func TestEmptyFlushNoEmission(t *testing.T) {
	b := New(DefaultConfig(), nil)
	batches := b.Flush()
	if len(batches) != 0 {
		t.Fatalf("expected no batches for empty buffer, got %d", len(batches))
	}
}

func TestPriorityOrderingWithinBatch(t *testing.T) {
	b := New(DefaultConfig(), nil)
	b.Add(detectionEvent("LOW", 0.5))
	b.Add(detectionEvent("HIGH", 0.9))

	batches := b.Flush()
	records := batches[0].Records
	if records[0].Key.Symbol != "HIGH" {
		t.Fatalf("expected priority-1 record first, got %s", records[0].Key.Symbol)
	}
	if records[1].Key.Symbol != "LOW" {
		t.Fatalf("expected priority-0 record second, got %s", records[1].Key.Symbol)
	}
}

func TestOverflowEvictsOldest(t *testing.T) {
	b := New(Config{FlushInterval: time.Second, MaxSize: 2}, nil)
	b.Add(detectionEvent("A", 0.5))
	b.Add(detectionEvent("B", 0.5))
	b.Add(detectionEvent("C", 0.5))

	if b.OverflowCount() != 1 {
		t.Fatalf("expected 1 overflow eviction, got %d", b.OverflowCount())
	}

	batches := b.Flush()
	if len(batches[0].Records) != 2 {
		t.Fatalf("expected 2 surviving records after overflow, got %d", len(batches[0].Records))
	}
	for _, r := range batches[0].Records {
		if r.Key.Symbol == "A" {
			t.Fatal("expected oldest entry A to be evicted on overflow")
		}
	}
}
