// Package broadcast implements C6, the Broadcaster: matches events against
// the SubscriptionIndex (C2), enqueues to per-client rooms subject to a
// per-client rate limit, and emits over persistent sessions (spec.md
// §4.6). Session handling (register/unregister, read/write pumps, ping
// keepalive) is adapted from the teacher's internal/websocket.Hub/Client,
// generalized from a single global broadcast channel into per-session
// bounded queues so per-client ordering (spec.md §5) is a property of one
// channel instead of a hub-wide fan-out loop.
package broadcast

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mcfalli/patternstream/internal/buffer"
	"github.com/mcfalli/patternstream/internal/events"
	"github.com/mcfalli/patternstream/internal/logging"
	"github.com/mcfalli/patternstream/internal/monitoring"
	"github.com/mcfalli/patternstream/internal/subscription"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
	sendBufferSize = 256
)

// Config configures the Broadcaster (spec.md §6.4).
type Config struct {
	RatePerSecond    int
	PerSendDeadline  time.Duration
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{RatePerSecond: 100, PerSendDeadline: 50 * time.Millisecond}
}

// Session is one live client connection (spec.md §3.1 ClientSession).
type Session struct {
	ClientID  string
	SessionID string

	conn   *websocket.Conn
	send   chan []byte
	logger logging.Logger

	mu    sync.Mutex
	rooms map[string]struct{}

	limiter *tokenBucket
}

func newSession(clientID, sessionID string, conn *websocket.Conn, rate int, logger logging.Logger) *Session {
	return &Session{
		ClientID:  clientID,
		SessionID: sessionID,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		logger:    logger,
		rooms:     map[string]struct{}{clientID: {}},
		limiter:   newTokenBucket(rate),
	}
}

func (s *Session) joinRoom(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room] = struct{}{}
}

func (s *Session) leaveRoom(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, room)
}

func (s *Session) roomList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	return out
}

// Broadcaster is C6. It holds a handle on the SubscriptionIndex (C2) and
// only calls into it (Match, Subscribe, Unsubscribe); the index never calls
// back, keeping the
// reference one-way per spec.md §9.
type Broadcaster struct {
	cfg    Config
	index  *subscription.Index
	logger logging.Logger
	drops  *monitoring.DropCounter

	mu       sync.RWMutex
	sessions map[string]*Session

	droppedRateLimit    int64
	droppedSendDeadline int64
}

// New creates a Broadcaster bound to the given SubscriptionIndex. drops may
// be nil when no MetricsCollector is configured.
func New(index *subscription.Index, cfg Config, logger logging.Logger, drops *monitoring.DropCounter) *Broadcaster {
	return &Broadcaster{cfg: cfg, index: index, logger: logger, drops: drops, sessions: make(map[string]*Session)}
}

// Accept upgrades-complete connections are handed here by the host HTTP
// layer (out of scope per spec.md §1); Accept registers the session and
// starts its read/write pumps.
func (b *Broadcaster) Accept(conn *websocket.Conn, clientID, sessionID string) *Session {
	session := newSession(clientID, sessionID, conn, b.cfg.RatePerSecond, b.logger)

	b.mu.Lock()
	b.sessions[clientID] = session
	b.mu.Unlock()

	go session.writePump()
	go b.readPump(session)

	return session
}

// Disconnect removes a client's session and subscription (spec.md §3.3:
// "on disconnect, all subscriptions and room memberships for that client
// are removed").
func (b *Broadcaster) Disconnect(clientID string) {
	b.mu.Lock()
	session, ok := b.sessions[clientID]
	if ok {
		delete(b.sessions, clientID)
	}
	b.mu.Unlock()

	if ok {
		close(session.send)
	}
	b.index.Unsubscribe(clientID)
}

// JoinRoom adds clientID's session to room.
func (b *Broadcaster) JoinRoom(clientID, room string) {
	b.mu.RLock()
	session, ok := b.sessions[clientID]
	b.mu.RUnlock()
	if ok {
		session.joinRoom(room)
	}
}

// LeaveRoom removes clientID's session from room.
func (b *Broadcaster) LeaveRoom(clientID, room string) {
	b.mu.RLock()
	session, ok := b.sessions[clientID]
	b.mu.RUnlock()
	if ok {
		session.leaveRoom(room)
	}
}

// SessionCount returns the number of connected sessions.
func (b *Broadcaster) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

type singleEnvelope struct {
	Type      string      `json:"type"`
	Detection interface{} `json:"detection,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Broadcast matches ev against the subscription index and delivers it to
// every matching client's rooms (spec.md §4.6). Used for health,
// lifecycle, and alert events dispatched directly by C4, and for any
// unbuffered single-event delivery path.
func (b *Broadcaster) Broadcast(ev *events.Event) {
	matched := b.index.Match(ev)
	if len(matched) == 0 {
		return
	}

	payload, msgType := encodeSingle(ev)
	envelope, err := json.Marshal(singleEnvelope{Type: msgType, Payload: payload, Timestamp: time.Now().UTC()})
	if err != nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, clientID := range matched {
		session, ok := b.sessions[clientID]
		if !ok {
			continue
		}
		for range session.roomList() {
			b.deliver(session, envelope)
		}
	}
}

type batchEnvelope struct {
	Type      string        `json:"type"`
	Count     int           `json:"count"`
	Items     []interface{} `json:"items"`
	Timestamp time.Time     `json:"timestamp"`
}

// DeliverBatch is C5's sink: for each matching client it emits a single
// `<kind>_batch` envelope containing only the records that matched that
// client (spec.md §4.6, §6.2).
func (b *Broadcaster) DeliverBatch(batch buffer.Batch) {
	if len(batch.Records) == 0 {
		return
	}

	perClient := make(map[string][]buffer.BufferedRecord)
	for _, rec := range batch.Records {
		for _, clientID := range b.index.Match(rec.LatestEvent) {
			perClient[clientID] = append(perClient[clientID], rec)
		}
	}
	if len(perClient) == 0 {
		return
	}

	msgType := string(batch.Kind) + "_batch"

	b.mu.RLock()
	defer b.mu.RUnlock()
	for clientID, records := range perClient {
		session, ok := b.sessions[clientID]
		if !ok {
			continue
		}

		items := make([]interface{}, len(records))
		for i, rec := range records {
			items[i], _ = encodeSingle(rec.LatestEvent)
		}
		envelope, err := json.Marshal(batchEnvelope{Type: msgType, Count: len(items), Items: items, Timestamp: time.Now().UTC()})
		if err != nil {
			continue
		}
		b.deliver(session, envelope)
	}
}

// deliver enqueues payload onto session.send, honoring the per-client rate
// limit and the soft per-send deadline (spec.md §4.6, §5).
func (b *Broadcaster) deliver(session *Session, payload []byte) {
	if !session.limiter.Allow() {
		atomic.AddInt64(&b.droppedRateLimit, 1)
		b.drops.Inc("dropped_rate_limit")
		return
	}

	timer := time.NewTimer(b.cfg.PerSendDeadline)
	defer timer.Stop()

	select {
	case session.send <- payload:
	case <-timer.C:
		atomic.AddInt64(&b.droppedSendDeadline, 1)
		b.drops.Inc("dropped_send_deadline")
	}
}

// DroppedRateLimit returns the count of events dropped for exceeding a
// client's rate budget.
func (b *Broadcaster) DroppedRateLimit() int64 {
	return atomic.LoadInt64(&b.droppedRateLimit)
}

// DroppedSendDeadline returns the count of events dropped for missing the
// soft per-send deadline.
func (b *Broadcaster) DroppedSendDeadline() int64 {
	return atomic.LoadInt64(&b.droppedSendDeadline)
}

func encodeSingle(ev *events.Event) (interface{}, string) {
	switch ev.Kind {
	case events.KindPattern:
		return ev.Detection, "streaming_pattern"
	case events.KindIndicator:
		return ev.Calculation, "streaming_indicator"
	case events.KindHealth:
		return ev.Health, "status_update"
	case events.KindLifecycle:
		return ev.Lifecycle, "session_lifecycle"
	case events.KindAlert:
		return ev.Opaque.Raw, "pattern_alert"
	default:
		return ev.Opaque, "status_update"
	}
}

func (b *Broadcaster) readPump(session *Session) {
	defer b.Disconnect(session.ClientID)

	session.conn.SetReadLimit(maxMessageSize)
	session.conn.SetReadDeadline(time.Now().Add(pongWait))
	session.conn.SetPongHandler(func(string) error {
		session.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := session.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				if b.logger != nil {
					b.logger.WithError(err).Warn("session read error")
				}
			}
			return
		}
		b.handleClientMessage(session, message)
	}
}

type clientOp struct {
	Action    string                     `json:"action"`
	Predicate subscription.Predicate     `json:"predicate"`
	Room      string                     `json:"room"`
}

// handleClientMessage processes subscribe/unsubscribe/join_room/leave_room
// operations from the client (spec.md §6.2).
func (b *Broadcaster) handleClientMessage(session *Session, raw []byte) {
	var op clientOp
	if err := json.Unmarshal(raw, &op); err != nil {
		return
	}
	switch op.Action {
	case "subscribe":
		b.index.Subscribe(session.ClientID, op.Predicate)
	case "unsubscribe":
		b.index.Unsubscribe(session.ClientID)
	case "join_room":
		session.joinRoom(op.Room)
	case "leave_room":
		session.leaveRoom(op.Room)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
