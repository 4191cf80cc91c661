// Package ingest implements C4, the EventSubscriber: consumes bus
// messages via C1, decodes and normalizes them, and routes to C3 (cache),
// C5 (buffer), and directly to C6 (health, lifecycle, alerts) — spec.md
// §4.4. Per-message errors are isolated so the subscriber loop never exits
// on a single bad message (spec.md §4.4, §7).
package ingest

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/mcfalli/patternstream/internal/bus"
	"github.com/mcfalli/patternstream/internal/cache"
	"github.com/mcfalli/patternstream/internal/events"
	"github.com/mcfalli/patternstream/internal/logging"
	"github.com/mcfalli/patternstream/internal/monitoring"
)

// Topics are the logical bus channels this deployment subscribes to
// (spec.md §6.1; channel names are deployment config, not normative).
var Topics = []string{
	"patterns.streaming",
	"patterns.detected",
	"indicators.streaming",
	"streaming.health",
	"streaming.session_started",
	"streaming.session_stopped",
	"alerts.critical",
	"backtesting.progress",
	"backtesting.results",
}

// BufferSink is C5's Add method, accepted as an interface so ingest
// doesn't need buffer's full type.
type BufferSink interface {
	Add(ev *events.Event)
}

// BroadcastSink is C6's direct-delivery path for unbuffered events.
type BroadcastSink interface {
	Broadcast(ev *events.Event)
}

// Subscriber is C4.
type Subscriber struct {
	pool   *bus.Pool
	cache  *cache.Cache
	buffer BufferSink
	direct BroadcastSink
	logger logging.Logger
	drops  *monitoring.DropCounter

	decodeErrors       int64
	droppedMissingField int64
	processed          int64
}

// New creates an EventSubscriber wired to its downstream collaborators.
// drops may be nil when no MetricsCollector is configured.
func New(pool *bus.Pool, c *cache.Cache, buf BufferSink, direct BroadcastSink, logger logging.Logger, drops *monitoring.DropCounter) *Subscriber {
	return &Subscriber{pool: pool, cache: c, buffer: buf, direct: direct, logger: logger, drops: drops}
}

// Run consumes Topics until ctx is cancelled. Intended to run as C4's one
// dedicated subscriber task (spec.md §5).
func (s *Subscriber) Run(ctx context.Context) {
	messages := s.pool.Subscribe(ctx, Topics)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			s.handle(msg)
		}
	}
}

func (s *Subscriber) handle(msg bus.Message) {
	ev, err := events.Decode(msg.Channel, msg.Payload)
	if err != nil {
		s.recordDecodeOutcome(err)
		return
	}
	atomic.AddInt64(&s.processed, 1)
	s.dispatch(ev)
}

func (s *Subscriber) recordDecodeOutcome(err error) {
	if errors.Is(err, events.ErrMissingField) {
		atomic.AddInt64(&s.droppedMissingField, 1)
		s.drops.Inc("dropped_missing_field")
	} else {
		atomic.AddInt64(&s.decodeErrors, 1)
		s.drops.Inc("decode_errors")
	}
	if s.logger != nil {
		s.logger.WithField("error", err.Error()).Debug("dropped bus message")
	}
}

// dispatch routes a decoded event per spec.md §4.4's table: pattern
// events go to the cache and the buffer; indicator events go only to the
// buffer; health/lifecycle/alert/backtest events go straight to C6.
func (s *Subscriber) dispatch(ev *events.Event) {
	defer s.recoverAndLog()

	switch ev.Kind {
	case events.KindPattern:
		cp := cache.CachedPattern{
			ID:          ev.Detection.ID,
			Symbol:      ev.Detection.Symbol,
			PatternName: ev.Detection.PatternName,
			Tier:        ev.Detection.Tier,
			Confidence:  ev.Detection.Confidence,
			DetectedAt:  ev.Detection.DetectedAt,
			Raw:         ev.Detection.Attributes,
		}
		if ev.Detection.ExpiresAt != nil {
			cp.ExpiresAt = *ev.Detection.ExpiresAt
		}
		s.cache.Insert(cp)
		s.buffer.Add(ev)
	case events.KindIndicator:
		s.buffer.Add(ev)
	default:
		s.direct.Broadcast(ev)
	}
}

// recoverAndLog isolates a panic in a single dispatch to one message,
// matching spec.md §4.4's "subscriber loop never exits on a single bad
// message" for downstream failures too.
func (s *Subscriber) recoverAndLog() {
	if r := recover(); r != nil && s.logger != nil {
		s.logger.WithField("panic", r).Error("recovered from panic dispatching event")
	}
}

// Stats returns subscriber-level counters for C7's stats/summary surface.
type Stats struct {
	DecodeErrors        int64
	DroppedMissingField int64
	Processed           int64
}

// Snapshot returns a copy of the current counters.
func (s *Subscriber) Snapshot() Stats {
	return Stats{
		DecodeErrors:        atomic.LoadInt64(&s.decodeErrors),
		DroppedMissingField: atomic.LoadInt64(&s.droppedMissingField),
		Processed:           atomic.LoadInt64(&s.processed),
	}
}
