package subscription

import (
	"sort"
	"testing"
	"time"

	"github.com/mcfalli/patternstream/internal/events"
)

func patternEvent(symbol, tier string, confidence float64) *events.Event {
	return &events.Event{
		Kind: events.KindPattern,
		Detection: &events.Detection{
			Symbol:      symbol,
			PatternName: "Doji",
			Tier:        events.Tier(tier),
			Confidence:  confidence,
			DetectedAt:  time.Unix(1000, 0),
		},
	}
}

func sortedMatch(idx *Index, ev *events.Event) []string {
	m := idx.Match(ev)
	sort.Strings(m)
	return m
}

func TestSubscriptionMatchScenario(t *testing.T) {
	idx := NewIndex()

	idx.Subscribe("c1", Predicate{
		Kinds:            []events.Kind{events.KindPattern},
		Symbols:          []string{"AAPL", "MSFT"},
		MinConfidence:    0.75,
		HasMinConfidence: true,
	})
	idx.Subscribe("c2", Predicate{
		Kinds: []events.Kind{events.KindPattern},
		Tiers: []events.Tier{events.TierDaily},
	})

	got := sortedMatch(idx, patternEvent("AAPL", "daily", 0.80))
	if len(got) != 2 || got[0] != "c1" || got[1] != "c2" {
		t.Fatalf("expected [c1 c2], got %v", got)
	}

	got = sortedMatch(idx, patternEvent("GOOG", "daily", 0.80))
	if len(got) != 1 || got[0] != "c2" {
		t.Fatalf("expected [c2], got %v", got)
	}

	got = sortedMatch(idx, patternEvent("AAPL", "intraday", 0.60))
	if len(got) != 0 {
		t.Fatalf("expected no matches, got %v", got)
	}
}

func TestSubscribeOverwritesExisting(t *testing.T) {
	idx := NewIndex()
	idx.Subscribe("c1", Predicate{Symbols: []string{"AAPL"}})
	idx.Subscribe("c1", Predicate{Symbols: []string{"MSFT"}})

	if idx.Count() != 1 {
		t.Fatalf("expected 1 subscription, got %d", idx.Count())
	}

	got := idx.Match(patternEvent("AAPL", "daily", 0.9))
	if len(got) != 0 {
		t.Fatalf("expected AAPL to no longer match after re-subscribe, got %v", got)
	}

	got = idx.Match(patternEvent("MSFT", "daily", 0.9))
	if len(got) != 1 || got[0] != "c1" {
		t.Fatalf("expected [c1] for MSFT, got %v", got)
	}
}

func TestUnsubscribeRemovesFromAllDimensions(t *testing.T) {
	idx := NewIndex()
	idx.Subscribe("c1", Predicate{Symbols: []string{"AAPL"}, Tiers: []events.Tier{events.TierDaily}})
	idx.Unsubscribe("c1")

	if idx.Count() != 0 {
		t.Fatalf("expected 0 subscriptions after unsubscribe, got %d", idx.Count())
	}
	got := idx.Match(patternEvent("AAPL", "daily", 0.9))
	if len(got) != 0 {
		t.Fatalf("expected no matches after unsubscribe, got %v", got)
	}
}

func TestMinConfidenceInclusiveBound(t *testing.T) {
	idx := NewIndex()
	idx.Subscribe("c1", Predicate{MinConfidence: 0.8, HasMinConfidence: true})

	got := idx.Match(patternEvent("AAPL", "daily", 0.8))
	if len(got) != 1 {
		t.Fatalf("expected inclusive match at exactly min_confidence, got %v", got)
	}
}

func TestWildcardSymbolAdmitsAll(t *testing.T) {
	idx := NewIndex()
	idx.Subscribe("c1", Predicate{Kinds: []events.Kind{events.KindPattern}})

	got := idx.Match(patternEvent("ANY", "daily", 0.1))
	if len(got) != 1 || got[0] != "c1" {
		t.Fatalf("expected wildcard subscriber to match any symbol, got %v", got)
	}
}
