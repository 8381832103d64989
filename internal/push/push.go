package push

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"mission-queue-monitor/internal/auth"
	"mission-queue-monitor/internal/models"

	"github.com/gorilla/websocket"
)

// ConnectionState is the push channel's externally visible condition.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	// StateError means the retry budget is exhausted. No automatic retries
	// happen until Start is called again.
	StateError ConnectionState = "error"
)

// EventType names the server-push notifications.
type EventType string

const (
	EventQueueUpdated         EventType = "QueueUpdated"
	EventMissionStatusChanged EventType = "MissionStatusChanged"
	EventStatisticsUpdated    EventType = "StatisticsUpdated"
)

// Event is one discrete change notification. Repeated identical notifications
// arrive as separate messages; nothing is coalesced or pulsed.
type Event struct {
	Type       EventType
	MissionID  string
	Status     models.Status
	StatusName string
}

// hubMessage is the wire shape of a server→client push.
type hubMessage struct {
	Type       string        `json:"type"`
	MissionID  string        `json:"missionId,omitempty"`
	Status     models.Status `json:"status,omitempty"`
	StatusName string        `json:"statusName,omitempty"`
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	defaultMaxAttempts = 5
	defaultBackoffStep = 1 * time.Second
	defaultBackoffCap  = 10 * time.Second

	eventBuffer = 16
	stateBuffer = 8
)

// Options tune the reconnection policy. Zero values take defaults; tests
// shrink the backoff to keep runs fast.
type Options struct {
	// MaxAttempts bounds consecutive failed connection attempts before the
	// manager settles in StateError. Default 5.
	MaxAttempts int
	// BackoffStep is the first non-zero retry delay; it doubles per failure.
	// Default 1s.
	BackoffStep time.Duration
	// BackoffCap limits the delay growth. Default 10s.
	BackoffCap time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BackoffStep <= 0 {
		o.BackoffStep = defaultBackoffStep
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = defaultBackoffCap
	}
}

// Manager owns the persistent connection to the queue hub. Connection errors
// never propagate to consumers; they only manifest as state transitions.
type Manager struct {
	hubURL string
	tokens auth.TokenProvider
	opts   Options
	dialer *websocket.Dialer

	mu      sync.Mutex
	state   ConnectionState
	conn    *websocket.Conn
	cancel  context.CancelFunc
	running bool

	events chan Event
	states chan ConnectionState
}

// New creates a manager for the given hub URL (ws:// or wss://). The token
// provider is consulted on every connection attempt.
func New(hubURL string, tokens auth.TokenProvider, opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		hubURL: hubURL,
		tokens: tokens,
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:  StateDisconnected,
		events: make(chan Event, eventBuffer),
		states: make(chan ConnectionState, stateBuffer),
	}
}

// Events returns the discrete change notifications.
func (m *Manager) Events() <-chan Event { return m.events }

// StateChanges returns state transitions as they happen. The channel is
// buffered and lossy under a slow consumer; State is always authoritative.
func (m *Manager) StateChanges() <-chan ConnectionState { return m.states }

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start begins connecting. Idempotent: calling while connecting or connected
// is a no-op. Calling from StateError resets the attempt counter and begins a
// fresh connection cycle.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.setState(StateConnecting)
	go m.run(runCtx)
}

// Stop closes the connection and settles in StateDisconnected. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	if m.cancel != nil {
		m.cancel()
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()

	m.setState(StateDisconnected)
}

// run drives the connect/read/reconnect cycle until the context is cancelled
// or the attempt budget is exhausted.
func (m *Manager) run(ctx context.Context) {
	attempts := 0

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempts++
			log.Printf("[PUSH] Connection attempt %d/%d failed: %v", attempts, m.opts.MaxAttempts, err)
			if attempts >= m.opts.MaxAttempts {
				m.mu.Lock()
				m.running = false
				m.mu.Unlock()
				m.setState(StateError)
				log.Printf("[PUSH] Retry budget exhausted, falling back to polling")
				return
			}
			if !m.sleep(ctx, backoffDelay(attempts, m.opts.BackoffStep, m.opts.BackoffCap)) {
				return
			}
			continue
		}

		attempts = 0
		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		m.setState(StateConnected)
		log.Printf("[PUSH] Connected to %s", m.hubURL)

		m.readLoop(ctx, conn)

		// Explicit close before any fresh dial; never half-open.
		conn.Close()
		m.mu.Lock()
		m.conn = nil
		stopped := !m.running
		m.mu.Unlock()

		if stopped || ctx.Err() != nil {
			return
		}
		m.setState(StateConnecting)
		log.Printf("[PUSH] Connection dropped, reconnecting")
	}
}

// dial opens one authenticated websocket connection.
func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := m.tokens.Token()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := m.dialer.DialContext(ctx, m.hubURL, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// readLoop consumes hub messages until the connection breaks. Pings keep the
// connection alive; a missed pong fails the read deadline and triggers the
// reconnect cycle.
func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()
	defer close(pingDone)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg hubMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[PUSH] Discarding malformed message: %v", err)
			continue
		}
		m.publish(msg)
	}
}

// publish converts a hub message into an Event. Delivery is non-blocking:
// a full buffer drops the event rather than stalling the read loop.
func (m *Manager) publish(msg hubMessage) {
	var ev Event
	switch EventType(msg.Type) {
	case EventQueueUpdated:
		ev = Event{Type: EventQueueUpdated}
	case EventMissionStatusChanged:
		ev = Event{
			Type:       EventMissionStatusChanged,
			MissionID:  msg.MissionID,
			Status:     msg.Status,
			StatusName: msg.StatusName,
		}
	case EventStatisticsUpdated:
		ev = Event{Type: EventStatisticsUpdated}
	default:
		log.Printf("[PUSH] Unknown message type %q", msg.Type)
		return
	}

	select {
	case m.events <- ev:
	default:
	}
}

func (m *Manager) setState(s ConnectionState) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()

	select {
	case m.states <- s:
	default:
	}
}

// sleep waits for d or until the context is cancelled; false means cancelled.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// backoffDelay returns the wait before attempt n+1: 0, step, 2*step, 4*step,
// capped. The first retry is immediate.
func backoffDelay(attempts int, step, limit time.Duration) time.Duration {
	if attempts <= 1 {
		return 0
	}
	d := step
	for i := 2; i < attempts; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}
