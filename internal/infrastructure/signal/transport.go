package signal

import (
	"sync"
	"time"

	"voicelink/pkg/backoff"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TransportState is the connection state of the signaling transport.
type TransportState int

const (
	TransportClosed TransportState = iota
	TransportConnecting
	TransportOpen
)

func (s TransportState) String() string {
	switch s {
	case TransportConnecting:
		return "connecting"
	case TransportOpen:
		return "open"
	default:
		return "closed"
	}
}

// TransportEventKind enumerates the closed set of transport notifications.
type TransportEventKind int

const (
	// EventConnected: the websocket completed its handshake.
	EventConnected TransportEventKind = iota
	// EventMessage: one inbound text frame.
	EventMessage
	// EventDisconnected: the connection dropped; a reconnect is scheduled.
	EventDisconnected
	// EventShutdown: Close was called; no reconnect will follow.
	EventShutdown
)

// TransportEvent is the tagged union emitted by the transport.
type TransportEvent struct {
	Kind    TransportEventKind
	Payload []byte // set for EventMessage
	Err     error  // set for EventDisconnected when caused by an error
}

// TransportConfig holds connection policy for the signaling transport.
type TransportConfig struct {
	URL string
	// HeartbeatTimeout forcibly closes the connection when no frame at all
	// arrives within it. Any frame, including ping echoes, resets it.
	HeartbeatTimeout time.Duration
	// HandshakeTimeout bounds a single dial attempt.
	HandshakeTimeout time.Duration
	// SuccessThreshold: once a connection stays open this long, the
	// reconnect backoff resets so the next failure starts from the minimum.
	SuccessThreshold time.Duration
	WriteTimeout     time.Duration
	Backoff          backoff.Config
}

// Transport maintains one logical duplex connection to the signaling
// gateway, reconnecting automatically with jittered exponential backoff.
// Events are delivered to a single handler; the handler runs on transport
// goroutines and must not block.
type Transport struct {
	cfg     TransportConfig
	logger  *zap.SugaredLogger
	handler func(TransportEvent)
	retry   *backoff.Scheduler

	mu    sync.Mutex
	state TransportState
	conn  *websocket.Conn
	// gen distinguishes connections so a stale read-loop error or heartbeat
	// expiry cannot tear down a newer connection.
	gen          int
	heartbeat    *time.Timer
	successTimer *time.Timer
	closed       bool
}

// NewTransport creates a transport. The handler receives every event; it is
// fixed at construction so there is no registration to race with teardown.
func NewTransport(cfg TransportConfig, logger *zap.Logger, handler func(TransportEvent)) *Transport {
	return &Transport{
		cfg:     cfg,
		logger:  logger.Sugar().With("endpoint", cfg.URL),
		handler: handler,
		retry:   backoff.NewScheduler(cfg.Backoff),
	}
}

// State returns the current connection state.
func (t *Transport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Open starts connecting. It is idempotent: calls while connecting or open
// are no-ops, as are calls after Close.
func (t *Transport) Open() {
	t.mu.Lock()
	if t.closed || t.state != TransportClosed {
		t.mu.Unlock()
		return
	}
	t.state = TransportConnecting
	gen := t.gen
	t.mu.Unlock()

	go t.dial(gen)
}

// Send writes one text frame. It returns false, without error, when the
// transport is not currently open; callers queue retryable messages instead.
func (t *Transport) Send(payload []byte) bool {
	t.mu.Lock()
	if t.state != TransportOpen || t.conn == nil {
		t.mu.Unlock()
		return false
	}
	conn := t.conn
	gen := t.gen
	t.mu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.logger.Warnw("signaling write failed", "error", err)
		t.teardown(gen, err)
		return false
	}
	return true
}

// Close shuts the transport down permanently: all timers are cancelled, the
// socket is closed, and no reconnect is scheduled.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.gen++
	t.stopTimersLocked()
	conn := t.conn
	t.conn = nil
	t.state = TransportClosed
	t.mu.Unlock()

	t.retry.Stop()
	if conn != nil {
		conn.Close()
	}
	t.handler(TransportEvent{Kind: EventShutdown})
}

func (t *Transport) dial(gen int) {
	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}
	conn, _, err := dialer.Dial(t.cfg.URL, nil)

	t.mu.Lock()
	if t.closed || gen != t.gen {
		t.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		t.state = TransportClosed
		t.mu.Unlock()
		t.logger.Warnw("signaling dial failed", "error", err, "attempt", t.retry.Attempt())
		t.handler(TransportEvent{Kind: EventDisconnected, Err: err})
		t.scheduleReconnect()
		return
	}

	t.conn = conn
	t.state = TransportOpen
	t.heartbeat = time.AfterFunc(t.cfg.HeartbeatTimeout, func() {
		t.heartbeatExpired(gen)
	})
	t.successTimer = time.AfterFunc(t.cfg.SuccessThreshold, func() {
		t.logger.Debugw("connection stable, resetting reconnect backoff")
		t.retry.Reset()
	})
	t.mu.Unlock()

	t.logger.Infow("signaling connected")
	t.handler(TransportEvent{Kind: EventConnected})

	go t.readLoop(conn, gen)
}

func (t *Transport) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.teardown(gen, err)
			return
		}

		t.mu.Lock()
		if t.closed || gen != t.gen {
			t.mu.Unlock()
			return
		}
		// Liveness: any frame resets the heartbeat clock.
		if t.heartbeat != nil {
			t.heartbeat.Reset(t.cfg.HeartbeatTimeout)
		}
		t.mu.Unlock()

		t.handler(TransportEvent{Kind: EventMessage, Payload: payload})
	}
}

func (t *Transport) heartbeatExpired(gen int) {
	t.mu.Lock()
	stale := t.closed || gen != t.gen
	t.mu.Unlock()
	if stale {
		return
	}
	t.logger.Infow("heartbeat timeout, closing connection")
	t.teardown(gen, errHeartbeatTimeout)
}

// teardown is the single funnel for every failure path: read error, write
// error, heartbeat expiry. It detaches exactly once per connection
// generation and schedules exactly one reconnect.
func (t *Transport) teardown(gen int, cause error) {
	t.mu.Lock()
	if t.closed || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.gen++
	t.stopTimersLocked()
	conn := t.conn
	t.conn = nil
	t.state = TransportClosed
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	t.logger.Infow("signaling disconnected", "error", cause)
	t.handler(TransportEvent{Kind: EventDisconnected, Err: cause})
	t.scheduleReconnect()
}

func (t *Transport) scheduleReconnect() {
	t.mu.Lock()
	if t.closed || t.state != TransportClosed {
		t.mu.Unlock()
		return
	}
	t.state = TransportConnecting
	gen := t.gen
	t.mu.Unlock()

	delay := t.retry.Schedule(func() {
		t.mu.Lock()
		ok := !t.closed && gen == t.gen && t.state == TransportConnecting
		t.mu.Unlock()
		if ok {
			t.dial(gen)
		}
	})
	t.logger.Warnw("reconnect scheduled", "delay", delay, "attempt", t.retry.Attempt())
}

func (t *Transport) stopTimersLocked() {
	if t.heartbeat != nil {
		t.heartbeat.Stop()
		t.heartbeat = nil
	}
	if t.successTimer != nil {
		t.successTimer.Stop()
		t.successTimer = nil
	}
}

var errHeartbeatTimeout = &timeoutError{}

type timeoutError struct{}

func (*timeoutError) Error() string { return "heartbeat timeout" }
func (*timeoutError) Timeout() bool { return true }
