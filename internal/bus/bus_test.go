package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestPool(t *testing.T) (*Pool, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	pool, err := NewPool(context.Background(), Config{Address: mr.Addr()}, nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return pool, mr
}

func TestPublishSubscribe(t *testing.T) {
	pool, mr := newTestPool(t)
	defer mr.Close()
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs := pool.Subscribe(ctx, []string{"patterns.streaming"})

	// Give the subscribe goroutine time to establish the subscription
	// before publishing, mirroring the teacher's pubsub test pattern.
	time.Sleep(50 * time.Millisecond)

	if err := pool.Publish(ctx, "patterns.streaming", []byte(`{"hello":"world"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-msgs:
		if msg.Channel != "patterns.streaming" {
			t.Fatalf("expected channel patterns.streaming, got %s", msg.Channel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestHealthyAfterConstruct(t *testing.T) {
	pool, mr := newTestPool(t)
	defer mr.Close()
	defer pool.Close()

	if !pool.Healthy() {
		t.Fatal("expected pool to be healthy immediately after construction")
	}
	if pool.Degraded() {
		t.Fatal("expected pool to not be degraded immediately after construction")
	}
}

// TestReconnectResubscribes implements S6: after the bus connection is
// killed, Subscribe must detect the break, reconnect, and re-issue the
// same subscription set without the caller doing anything — events
// published during the outage are lost (at-most-once, per spec.md §8).
func TestReconnectResubscribes(t *testing.T) {
	pool, mr := newTestPool(t)
	defer mr.Close()
	defer pool.Close()

	var lost int64
	pool.OnConnectionLost(func() { atomic.AddInt64(&lost, 1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs := pool.Subscribe(ctx, []string{"patterns.streaming"})
	time.Sleep(50 * time.Millisecond)

	mr.Restart()
	time.Sleep(200 * time.Millisecond)

	if err := pool.Publish(ctx, "patterns.streaming", []byte(`{"after":"reconnect"}`)); err != nil {
		t.Fatalf("Publish after reconnect: %v", err)
	}

	select {
	case msg := <-msgs:
		if msg.Channel != "patterns.streaming" {
			t.Fatalf("expected channel patterns.streaming, got %s", msg.Channel)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message after reconnect")
	}

	if atomic.LoadInt64(&lost) == 0 {
		t.Fatal("expected OnConnectionLost to have fired at least once")
	}
}
