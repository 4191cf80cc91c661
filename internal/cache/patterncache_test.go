package cache

import (
	"testing"
	"time"
)

func pattern(id, symbol, name string, confidence float64, detectedAtUnix int64) CachedPattern {
	return CachedPattern{
		ID:          id,
		Symbol:      symbol,
		PatternName: name,
		Confidence:  confidence,
		DetectedAt:  time.Unix(detectedAtUnix, 0),
		ExpiresAt:   time.Unix(detectedAtUnix, 0).Add(time.Hour),
	}
}

func TestScanRangeScenario(t *testing.T) {
	c := New(DefaultConfig())
	c.Insert(pattern("p1", "AAPL", "Doji", 0.90, 1000))
	c.Insert(pattern("p2", "MSFT", "Hammer", 0.70, 1100))
	c.Insert(pattern("p3", "AAPL", "Doji", 0.82, 1200))

	result := c.Scan(Filter{MinConfidence: 0.8, HasMinConfidence: true}, "confidence", "desc", 1, 10)
	if result.Total != 2 {
		t.Fatalf("expected total 2, got %d", result.Total)
	}
	if len(result.Items) != 2 || result.Items[0].ID != "p1" || result.Items[1].ID != "p3" {
		t.Fatalf("expected [p1 p3], got %+v", result.Items)
	}
}

func TestIdempotentInsert(t *testing.T) {
	c := New(DefaultConfig())
	p := pattern("p1", "AAPL", "Doji", 0.9, 1000)
	c.Insert(p)
	c.Insert(p)

	if c.Stats().Count != 1 {
		t.Fatalf("expected count 1 after duplicate insert, got %d", c.Stats().Count)
	}
	if c.byConfidence.Len() != 1 {
		t.Fatalf("expected confidence index len 1, got %d", c.byConfidence.Len())
	}
	if c.byDetectedAt.Len() != 1 {
		t.Fatalf("expected detected_at index len 1, got %d", c.byDetectedAt.Len())
	}
}

func TestIndexConsistencyAfterExpiry(t *testing.T) {
	c := New(DefaultConfig())
	p := pattern("p1", "AAPL", "Doji", 0.9, 1000)
	p.ExpiresAt = time.Unix(1000, 0).Add(time.Millisecond)
	c.Insert(p)

	if !c.byConfidence.Contains("p1") {
		t.Fatal("expected p1 present in confidence index before sweep")
	}

	evicted := c.Sweep(time.Unix(1000, 0).Add(time.Hour))
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	if c.byConfidence.Contains("p1") || c.byDetectedAt.Contains("p1") {
		t.Fatal("expected p1 absent from all indexes after TTL expiry")
	}
	if _, ok := c.GetByID("p1"); ok {
		t.Fatal("expected p1 absent from keyed store after TTL expiry")
	}
}

func TestPerPageZeroIsCallerResponsibility(t *testing.T) {
	c := New(DefaultConfig())
	c.Insert(pattern("p1", "AAPL", "Doji", 0.9, 1000))
	// Scan itself doesn't validate; C7 does. A 0 per_page yields no pages
	// division by zero guard.
	result := c.Scan(Filter{}, "detected_at", "asc", 1, 0)
	if result.Pages != 0 {
		t.Fatalf("expected 0 pages guard for per_page=0, got %d", result.Pages)
	}
}

func TestResponseCachePurgedOnInsert(t *testing.T) {
	c := New(DefaultConfig())
	c.Insert(pattern("p1", "AAPL", "Doji", 0.9, 1000))
	first := c.Scan(Filter{}, "detected_at", "asc", 1, 10)
	if first.Source != "cache_miss" {
		t.Fatalf("expected first scan to be cache_miss, got %s", first.Source)
	}

	second := c.Scan(Filter{}, "detected_at", "asc", 1, 10)
	if second.Source != "cache" {
		t.Fatalf("expected second identical scan to hit response cache, got %s", second.Source)
	}

	c.Insert(pattern("p2", "MSFT", "Hammer", 0.7, 1100))
	third := c.Scan(Filter{}, "detected_at", "asc", 1, 10)
	if third.Source != "cache_miss" {
		t.Fatalf("expected scan after insert to be cache_miss (purged), got %s", third.Source)
	}
}
