// Package bus implements C1, the ConnectionPool: a single logical
// connection to the pub/sub bus with auto-reconnect and health pinging
// (spec.md §4.1). Grounded on the teacher's pkg/redis client/pubsub
// wrappers, generalized from a typed single-channel helper into the
// always-reconnecting, multi-topic pool this spec's EventSubscriber needs.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mcfalli/patternstream/internal/logging"
)

const (
	dialTimeout   = 5 * time.Second
	pingInterval  = 5 * time.Second
	pingThreshold = 10 * time.Second
	maxBackoff    = 30 * time.Second
	degradeAfter  = 5
)

// Config configures the bus connection (spec.md §6.4).
type Config struct {
	Address  string
	DB       int
	Password string
}

// Message is one decoded-channel, raw-payload pair delivered to a subscriber.
type Message struct {
	Channel string
	Payload []byte
}

// Pool owns the bus connection, auto-reconnect, and health pinging (C1).
type Pool struct {
	client goredis.UniversalClient
	logger logging.Logger

	mu                  sync.RWMutex
	lastPingOK          time.Time
	consecutiveFailures int
	degraded            bool
	connectionLosses    int

	onConnectionLost func()
}

// NewPool dials the bus and verifies connectivity before returning,
// matching the teacher's NewUniversalClient fail-fast ping-on-construct.
func NewPool(ctx context.Context, cfg Config, logger logging.Logger) (*Pool, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("bus address is required")
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		DB:           cfg.DB,
		Password:     cfg.Password,
		DialTimeout:  dialTimeout,
		ReadTimeout:  dialTimeout,
		WriteTimeout: dialTimeout,
	})

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(dialCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping bus: %w", err)
	}

	return &Pool{
		client:     client,
		logger:     logger,
		lastPingOK: time.Now(),
	}, nil
}

// OnConnectionLost registers a callback invoked every time the pool detects
// a broken subscription and begins reconnecting, surfacing ConnectionLost
// to the caller (spec.md §4.1, §7).
func (p *Pool) OnConnectionLost(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnectionLost = fn
}

// Publish sends a message to a topic.
func (p *Pool) Publish(ctx context.Context, topic string, payload []byte) error {
	return p.client.Publish(ctx, topic, payload).Err()
}

// Subscribe consumes the given topics for the lifetime of ctx, internally
// reconnecting with exponential backoff (capped at 30s) and re-issuing the
// same subscription set on every reconnect, so callers never need to
// re-subscribe themselves (spec.md §4.1: "the subscriber, which MUST
// re-issue all subscriptions after reconnect").
func (p *Pool) Subscribe(ctx context.Context, topics []string) <-chan Message {
	out := make(chan Message, 256)

	go func() {
		defer close(out)

		backoff := time.Second
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if err := p.consumeUntilBroken(ctx, topics, out); err != nil {
				p.recordFailure()
				p.notifyConnectionLost()
				if p.logger != nil {
					p.logger.WithFields(logging.Fields{"error": err.Error(), "backoff": backoff.String()}).Warn("bus subscription broke; reconnecting")
				}
			} else {
				// ctx was cancelled cleanly.
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}()

	go p.pingLoop(ctx)

	return out
}

// consumeUntilBroken runs one subscription session to completion, returning
// nil only when ctx is cancelled; any other return is a connection loss.
func (p *Pool) consumeUntilBroken(ctx context.Context, topics []string, out chan<- Message) error {
	sub := p.client.Subscribe(ctx, topics...)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	p.recordSuccess()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			select {
			case out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (p *Pool) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
			err := p.client.Ping(pingCtx).Err()
			cancel()
			if err != nil {
				p.recordFailure()
			} else {
				p.recordSuccess()
			}
		}
	}
}

func (p *Pool) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPingOK = time.Now()
	p.consecutiveFailures = 0
	p.degraded = false
}

func (p *Pool) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveFailures++
	p.connectionLosses++
	if p.consecutiveFailures >= degradeAfter {
		p.degraded = true
	}
}

func (p *Pool) notifyConnectionLost() {
	p.mu.RLock()
	fn := p.onConnectionLost
	p.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Healthy reports whether the pool has pinged successfully within the
// spec's 10s freshness threshold (spec.md §4.1).
func (p *Pool) Healthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return time.Since(p.lastPingOK) <= pingThreshold
}

// Degraded reports whether 5 or more consecutive ping/subscribe failures
// have occurred without an intervening success (spec.md §4.1).
func (p *Pool) Degraded() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.degraded
}

// ConnectionLosses returns the count of detected connection losses, for
// metrics exposition.
func (p *Pool) ConnectionLosses() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connectionLosses
}

// Close releases the underlying client.
func (p *Pool) Close() error {
	return p.client.Close()
}
