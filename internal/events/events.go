// Package events defines the canonical event sum type flowing through the
// pipeline (spec.md §3.1) and decodes the bus wire contract (spec.md §6.1),
// tolerating the field-name variants the producer and consumer historically
// disagreed on. Canonicalization happens in exactly one place — this
// package — so no caller ever scatters a raw `.get("pattern")` lookup.
package events

import (
	"time"
)

// Kind identifies which variant of the Event sum type is populated.
// spec.md §9: "express as a tagged variant with a small switch; do not use
// runtime type lookup."
type Kind string

const (
	KindPattern     Kind = "pattern"
	KindIndicator   Kind = "indicator"
	KindHealth      Kind = "health"
	KindLifecycle   Kind = "lifecycle"
	KindAlert       Kind = "alert"
	KindBacktest    Kind = "backtest"
	KindUnsupported Kind = "unsupported"
)

// Tier classifies a pattern by timeframe aggregation.
type Tier string

const (
	TierDaily    Tier = "daily"
	TierIntraday Tier = "intraday"
	TierCombo    Tier = "combo"
	// TierUnscoped marks a pattern detection whose producer omitted tier.
	TierUnscoped Tier = "unscoped"
)

// Detection is a single PatternDetected event (spec.md §3.1).
type Detection struct {
	ID          string
	Symbol      string
	PatternName string
	Tier        Tier
	Confidence  float64
	DetectedAt  time.Time
	ExpiresAt   *time.Time
	Attributes  map[string]interface{}
}

// Priority returns the StreamingBuffer priority for this detection:
// confidence >= 0.8 is priority 1 (spec.md §4.5).
func (d *Detection) Priority() int {
	if d.Confidence >= 0.8 {
		return 1
	}
	return 0
}

// Calculation is a single IndicatorCalculated event (spec.md §3.1).
type Calculation struct {
	ID            string
	Symbol        string
	IndicatorName string
	Values        map[string]float64
	ComputedAt    time.Time
	Timeframe     string
}

// Health is a StreamingHealth event.
type Health struct {
	Status        string
	ActiveSymbols int
	TPS           float64
	Ts            time.Time
}

// Lifecycle is a SessionLifecycle event.
type Lifecycle struct {
	SubKind   string // "started" or "stopped"
	SessionID string
	Ts        time.Time
}

// Opaque carries pass-through payloads (BacktestProgress, BacktestResult,
// CriticalAlert) that the consumer tier never interprets, only forwards.
type Opaque struct {
	SubKind string
	Raw     map[string]interface{}
}

// Event is the tagged sum type flowing from C4 to C3/C5/C6.
type Event struct {
	Kind        Kind
	Detection   *Detection
	Calculation *Calculation
	Health      *Health
	Lifecycle   *Lifecycle
	Opaque      *Opaque
	ReceivedAt  time.Time
}

// Symbol returns the symbol the event is scoped to, if any.
func (e *Event) Symbol() string {
	switch e.Kind {
	case KindPattern:
		return e.Detection.Symbol
	case KindIndicator:
		return e.Calculation.Symbol
	default:
		return ""
	}
}

// BufferKey is the (kind, symbol, name) key StreamingBuffer aggregates on
// (spec.md §3.1 BufferedRecord.key).
type BufferKey struct {
	Kind   Kind
	Symbol string
	Name   string
}

// Key returns the StreamingBuffer aggregation key for pattern/indicator
// events; other kinds are not buffered (spec.md §4.4 dispatches health,
// lifecycle, and alerts directly to C6).
func (e *Event) Key() (BufferKey, bool) {
	switch e.Kind {
	case KindPattern:
		return BufferKey{Kind: e.Kind, Symbol: e.Detection.Symbol, Name: e.Detection.PatternName}, true
	case KindIndicator:
		return BufferKey{Kind: e.Kind, Symbol: e.Calculation.Symbol, Name: e.Calculation.IndicatorName}, true
	default:
		return BufferKey{}, false
	}
}

// Priority returns the StreamingBuffer priority, applicable to pattern events.
func (e *Event) Priority() int {
	if e.Kind == KindPattern {
		return e.Detection.Priority()
	}
	return 0
}
