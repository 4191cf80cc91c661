package events

import "testing"

func TestDecodeDetectionFieldAliasTolerance(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"pattern_name", `{"type":"streaming_pattern","detection":{"pattern_name":"Doji","symbol":"AAPL","confidence":0.9,"detected_at":"2026-02-05T10:00:00Z"}}`},
		{"pattern_type", `{"type":"streaming_pattern","detection":{"pattern_type":"Doji","symbol":"AAPL","confidence":0.9,"detected_at":"2026-02-05T10:00:00Z"}}`},
		{"pattern", `{"type":"streaming_pattern","detection":{"pattern":"Doji","symbol":"AAPL","confidence":0.9,"detected_at":"2026-02-05T10:00:00Z"}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := Decode("patterns.streaming", []byte(tc.payload))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ev.Kind != KindPattern {
				t.Fatalf("expected KindPattern, got %s", ev.Kind)
			}
			if ev.Detection.PatternName != "Doji" {
				t.Fatalf("expected canonical pattern_name Doji, got %q", ev.Detection.PatternName)
			}
			if ev.Detection.Symbol != "AAPL" {
				t.Fatalf("expected symbol AAPL, got %q", ev.Detection.Symbol)
			}
		})
	}
}

func TestDecodeDetectionMissingSymbolDropped(t *testing.T) {
	payload := `{"type":"streaming_pattern","detection":{"pattern_name":"Doji","confidence":0.9,"detected_at":"2026-02-05T10:00:00Z"}}`
	_, err := Decode("patterns.streaming", []byte(payload))
	if err == nil {
		t.Fatal("expected missing-field error, got nil")
	}
}

func TestDecodeDetectionMissingNameDropped(t *testing.T) {
	payload := `{"type":"streaming_pattern","detection":{"symbol":"AAPL","confidence":0.9,"detected_at":"2026-02-05T10:00:00Z"}}`
	_, err := Decode("patterns.streaming", []byte(payload))
	if err == nil {
		t.Fatal("expected missing-field error, got nil")
	}
}

func TestDecodeDetectionEpochTimestamp(t *testing.T) {
	payload := `{"detection":{"pattern_name":"Hammer","symbol":"MSFT","confidence":0.7,"detected_at":1100}}`
	ev, err := Decode("patterns.streaming", []byte(payload))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Detection.DetectedAt.Unix() != 1100 {
		t.Fatalf("expected epoch 1100, got %d", ev.Detection.DetectedAt.Unix())
	}
}

func TestDecodeCalculationFieldAliasTolerance(t *testing.T) {
	payload := `{"type":"streaming_indicator","calculation":{"indicator":"RSI","symbol":"AAPL","values":{"value":55.2},"computed_at":1200,"timeframe":"1d"}}`
	ev, err := Decode("indicators.streaming", []byte(payload))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Calculation.IndicatorName != "RSI" {
		t.Fatalf("expected canonical indicator_name RSI, got %q", ev.Calculation.IndicatorName)
	}
	if ev.Calculation.Values["value"] != 55.2 {
		t.Fatalf("expected value 55.2, got %v", ev.Calculation.Values["value"])
	}
}

func TestDecodeUnsupportedChannel(t *testing.T) {
	_, err := Decode("nonsense.channel", []byte(`{}`))
	if err == nil {
		t.Fatal("expected unsupported channel error")
	}
}

func TestDecodeDuplicateChannelsStableID(t *testing.T) {
	payload := `{"detection":{"pattern_name":"Doji","symbol":"AAPL","confidence":0.9,"detected_at":1000}}`
	ev1, err := Decode("patterns.streaming", []byte(payload))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ev2, err := Decode("patterns.detected", []byte(payload))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev1.Detection.ID != ev2.Detection.ID {
		t.Fatalf("expected same derived id across duplicate channels, got %q vs %q", ev1.Detection.ID, ev2.Detection.ID)
	}
}
