package broadcast

import (
	"testing"
	"time"

	"github.com/mcfalli/patternstream/internal/events"
	"github.com/mcfalli/patternstream/internal/subscription"
)

func patternEvent(symbol string, confidence float64) *events.Event {
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

func newTestBroadcaster(rate int) (*Broadcaster, *Session) {
	idx := subscription.NewIndex()
	idx.Subscribe("c1", subscription.Predicate{})

	b := New(idx, Config{RatePerSecond: rate, PerSendDeadline: 20 * time.Millisecond}, nil, nil)
	session := newSession("c1", "s1", nil, rate, nil)
	b.sessions["c1"] = session
	return b, session
}

func TestRateLimitScenario(t *testing.T) {
	b, session := newTestBroadcaster(10)

	for i := 0; i < 15; i++ {
		b.Broadcast(patternEvent("AAPL", 0.9))
	}

	received := 0
drain:
	for {
		select {
		case <-session.send:
			received++
		default:
			break drain
		}
	}

	if received != 10 {
		t.Fatalf("expected exactly 10 delivered, got %d", received)
	}
	if b.DroppedRateLimit() != 5 {
		t.Fatalf("expected 5 dropped_rate_limit, got %d", b.DroppedRateLimit())
	}
}

func TestBroadcastNoMatchNoDelivery(t *testing.T) {
	idx := subscription.NewIndex()
	idx.Subscribe("c1", subscription.Predicate{Symbols: []string{"MSFT"}})
	b := New(idx, DefaultConfig(), nil, nil)
	session := newSession("c1", "s1", nil, 100, nil)
	b.sessions["c1"] = session

	b.Broadcast(patternEvent("AAPL", 0.9))

	select {
	case <-session.send:
		t.Fatal("expected no delivery for non-matching symbol")
	default:
	}
}

func TestJoinLeaveRoom(t *testing.T) {
	b, session := newTestBroadcaster(100)
	b.JoinRoom("c1", "watchlist")
	if _, ok := session.rooms["watchlist"]; !ok {
		t.Fatal("expected session to have joined watchlist room")
	}
	b.LeaveRoom("c1", "watchlist")
	if _, ok := session.rooms["watchlist"]; ok {
		t.Fatal("expected session to have left watchlist room")
	}
}

func TestDisconnectRemovesSessionAndSubscription(t *testing.T) {
	b, _ := newTestBroadcaster(100)
	b.Disconnect("c1")
	if b.SessionCount() != 0 {
		t.Fatalf("expected 0 sessions after disconnect, got %d", b.SessionCount())
	}
}
