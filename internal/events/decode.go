package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrDecode signals the payload was not valid JSON or had an unrecognized
// shape for its channel.
var ErrDecode = errors.New("decode error")

// ErrMissingField signals a required scoping field (symbol, a name alias,
// or a parseable timestamp) was absent (spec.md §3.1, §6.1).
var ErrMissingField = errors.New("missing required field")

// ErrUnsupportedChannel signals the channel name isn't one this decoder
// recognizes; callers may choose to drop silently or count separately.
var ErrUnsupportedChannel = errors.New("unsupported channel")

type envelope struct {
	Type      string          `json:"type"`
	Detection json.RawMessage `json:"detection"`

	Calculation json.RawMessage `json:"calculation"`

	// StreamingHealth fields are flat on the envelope, not nested.
	Status        string  `json:"status"`
	ActiveSymbols int     `json:"active_symbols"`
	TPS           float64 `json:"tps"`
	Ts            json.RawMessage `json:"ts"`

	// SessionLifecycle fields, also flat.
	SessionID json.RawMessage `json:"session_id"`
}

type detectionWire struct {
	PatternName string          `json:"pattern_name"`
	PatternType string          `json:"pattern_type"`
	Pattern     string          `json:"pattern"`
	Symbol      string          `json:"symbol"`
	Confidence  float64         `json:"confidence"`
	Tier        string          `json:"tier"`
	DetectedAt  json.RawMessage `json:"detected_at"`
	ComputedAt  json.RawMessage `json:"computed_at"`
	Timestamp   json.RawMessage `json:"timestamp"`
	ExpiresAt   json.RawMessage `json:"expires_at"`
	Parameters  map[string]interface{} `json:"parameters"`
	Timeframe   string          `json:"timeframe"`
}

type calculationWire struct {
	IndicatorName string                 `json:"indicator_name"`
	IndicatorType string                 `json:"indicator_type"`
	Indicator     string                 `json:"indicator"`
	Symbol        string                 `json:"symbol"`
	Values        map[string]interface{} `json:"values"`
	DetectedAt    json.RawMessage        `json:"detected_at"`
	ComputedAt    json.RawMessage        `json:"computed_at"`
	Timestamp     json.RawMessage        `json:"timestamp"`
	Timeframe     string                 `json:"timeframe"`
}

// firstNonEmpty implements spec.md §6.1's alias precedence: the first
// non-empty candidate, in the given order, wins.
func firstNonEmpty(candidates ...string) string {
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return ""
}

// parseTimestamp accepts ISO-8601 strings or epoch numbers (seconds or
// milliseconds), per spec.md §6.1.
func parseTimestamp(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, false
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if t, err := time.Parse(time.RFC3339, asString); err == nil {
			return t.UTC(), true
		}
		if t, err := time.Parse(time.RFC3339Nano, asString); err == nil {
			return t.UTC(), true
		}
		if f, err := strconv.ParseFloat(asString, 64); err == nil {
			return epochToTime(f), true
		}
		return time.Time{}, false
	}

	var asNumber float64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return epochToTime(asNumber), true
	}

	return time.Time{}, false
}

func epochToTime(v float64) time.Time {
	if v > 1e12 {
		// milliseconds
		return time.UnixMilli(int64(v)).UTC()
	}
	return time.Unix(int64(v), 0).UTC()
}

// firstTimestamp resolves the first parseable timestamp among the detected,
// computed, and generic aliases (spec.md §6.1).
func firstTimestamp(candidates ...json.RawMessage) (time.Time, bool) {
	for _, c := range candidates {
		if t, ok := parseTimestamp(c); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// Decode turns one bus message into a canonical Event, dispatching on the
// logical channel name (spec.md §6.1). The channel→kind mapping is
// deployment config in principle; the names below are this deployment's
// choice and match the spec's worked examples.
func Decode(channel string, payload []byte) (*Event, error) {
	switch channel {
	case "patterns.streaming", "patterns.detected":
		return decodeDetection(payload)
	case "indicators.streaming":
		return decodeCalculation(payload)
	case "streaming.health":
		return decodeHealth(payload)
	case "streaming.session_started":
		return decodeLifecycle(payload, "started")
	case "streaming.session_stopped":
		return decodeLifecycle(payload, "stopped")
	case "alerts.critical":
		return decodeOpaque(payload, "critical_alert")
	case "backtesting.progress":
		return decodeOpaque(payload, "backtest_progress")
	case "backtesting.results":
		return decodeOpaque(payload, "backtest_result")
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChannel, channel)
	}
}

func decodeDetection(payload []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	raw := env.Detection
	if len(raw) == 0 {
		// Some producers emit the detection fields flat on the envelope
		// rather than nested; fall back to treating the whole payload as
		// the detection body.
		raw = payload
	}

	var d detectionWire
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	name := firstNonEmpty(d.PatternName, d.PatternType, d.Pattern)
	if name == "" {
		return nil, fmt.Errorf("%w: no pattern name alias present", ErrMissingField)
	}
	if d.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol", ErrMissingField)
	}

	detectedAt, ok := firstTimestamp(d.DetectedAt, d.ComputedAt, d.Timestamp)
	if !ok {
		return nil, fmt.Errorf("%w: no resolvable timestamp", ErrMissingField)
	}

	var expiresAt *time.Time
	if t, ok := parseTimestamp(d.ExpiresAt); ok {
		expiresAt = &t
	}

	tier := Tier(d.Tier)
	if tier == "" {
		// Producers occasionally omit tier on combo/ungrouped detections;
		// treat that as explicitly unscoped rather than an empty string.
		tier = TierUnscoped
	}

	det := &Detection{
		ID:          derivePatternID(d.Symbol, name, detectedAt),
		Symbol:      d.Symbol,
		PatternName: name,
		Tier:        tier,
		Confidence:  d.Confidence,
		DetectedAt:  detectedAt,
		ExpiresAt:   expiresAt,
		Attributes:  d.Parameters,
	}

	return &Event{Kind: KindPattern, Detection: det, ReceivedAt: time.Now().UTC()}, nil
}

func decodeCalculation(payload []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	raw := env.Calculation
	if len(raw) == 0 {
		raw = payload
	}

	var c calculationWire
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	name := firstNonEmpty(c.IndicatorName, c.IndicatorType, c.Indicator)
	if name == "" {
		return nil, fmt.Errorf("%w: no indicator name alias present", ErrMissingField)
	}
	if c.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol", ErrMissingField)
	}

	computedAt, ok := firstTimestamp(c.ComputedAt, c.DetectedAt, c.Timestamp)
	if !ok {
		return nil, fmt.Errorf("%w: no resolvable timestamp", ErrMissingField)
	}

	values := make(map[string]float64, len(c.Values))
	for k, v := range c.Values {
		switch n := v.(type) {
		case float64:
			values[k] = n
		case string:
			if f, err := strconv.ParseFloat(n, 64); err == nil {
				values[k] = f
			}
		}
	}

	calc := &Calculation{
		ID:            deriveIndicatorID(c.Symbol, name, computedAt),
		Symbol:        c.Symbol,
		IndicatorName: name,
		Values:        values,
		ComputedAt:    computedAt,
		Timeframe:     c.Timeframe,
	}

	return &Event{Kind: KindIndicator, Calculation: calc, ReceivedAt: time.Now().UTC()}, nil
}

func decodeHealth(payload []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	ts, ok := parseTimestamp(env.Ts)
	if !ok {
		ts = time.Now().UTC()
	}
	h := &Health{
		Status:        env.Status,
		ActiveSymbols: env.ActiveSymbols,
		TPS:           env.TPS,
		Ts:            ts,
	}
	return &Event{Kind: KindHealth, Health: h, ReceivedAt: time.Now().UTC()}, nil
}

func decodeLifecycle(payload []byte, subKind string) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	var sessionID string
	_ = json.Unmarshal(env.SessionID, &sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session_id", ErrMissingField)
	}
	ts, ok := parseTimestamp(env.Ts)
	if !ok {
		ts = time.Now().UTC()
	}
	l := &Lifecycle{SubKind: subKind, SessionID: sessionID, Ts: ts}
	return &Event{Kind: KindLifecycle, Lifecycle: l, ReceivedAt: time.Now().UTC()}, nil
}

func decodeOpaque(payload []byte, subKind string) (*Event, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	o := &Opaque{SubKind: subKind, Raw: raw}
	kind := KindAlert
	if subKind == "backtest_progress" || subKind == "backtest_result" {
		kind = KindBacktest
	}
	return &Event{Kind: kind, Opaque: o, ReceivedAt: time.Now().UTC()}, nil
}

// derivePatternID produces the stable id given to every detection (any
// inbound id field is not read), so patterns.streaming and patterns.detected duplicates of the same
// detection collapse to the same cache entry (spec.md §9 open question:
// "implementers SHOULD dedup by pattern id at cache insert").
func derivePatternID(symbol, patternName string, detectedAt time.Time) string {
	return fmt.Sprintf("%s|%s|%d", symbol, patternName, detectedAt.Unix())
}

func deriveIndicatorID(symbol, indicatorName string, computedAt time.Time) string {
	return fmt.Sprintf("%s|%s|%d", symbol, indicatorName, computedAt.Unix())
}
