package signal

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"voicelink/pkg/backoff"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// wsTestServer is a minimal websocket endpoint handing live connections to
// the test.
type wsTestServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
	newC  chan *websocket.Conn
	recv  chan []byte
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	s := &wsTestServer{
		newC: make(chan *websocket.Conn, 8),
		recv: make(chan []byte, 64),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		s.newC <- conn

		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.recv <- payload
		}
	}))
	t.Cleanup(s.closeAll)
	return s
}

func (s *wsTestServer) url() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http")
}

func (s *wsTestServer) closeAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	s.Server.Close()
}

func (s *wsTestServer) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.newC:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection arrived")
		return nil
	}
}

func testTransportConfig(url string) TransportConfig {
	return TransportConfig{
		URL:              url,
		HeartbeatTimeout: 2 * time.Second,
		HandshakeTimeout: time.Second,
		SuccessThreshold: 10 * time.Second,
		WriteTimeout:     time.Second,
		Backoff: backoff.Config{
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     50 * time.Millisecond,
			Multiplier:   2.0,
		},
	}
}

// eventCollector funnels transport events into a channel.
func eventCollector() (func(TransportEvent), chan TransportEvent) {
	ch := make(chan TransportEvent, 64)
	return func(ev TransportEvent) { ch <- ev }, ch
}

func waitEvent(t *testing.T, ch chan TransportEvent, kind TransportEventKind) TransportEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("event kind %d never arrived", kind)
		}
	}
}

func TestTransportConnectsAndDeliversMessages(t *testing.T) {
	server := newWSTestServer(t)
	handler, events := eventCollector()
	tr := NewTransport(testTransportConfig(server.url()), zap.NewNop(), handler)
	defer tr.Close()

	tr.Open()
	waitEvent(t, events, EventConnected)
	assert.Equal(t, TransportOpen, tr.State())

	conn := server.waitConn(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"hello":1}`)))

	ev := waitEvent(t, events, EventMessage)
	assert.Equal(t, `{"hello":1}`, string(ev.Payload))
}

func TestTransportOpenIsIdempotent(t *testing.T) {
	server := newWSTestServer(t)
	handler, events := eventCollector()
	tr := NewTransport(testTransportConfig(server.url()), zap.NewNop(), handler)
	defer tr.Close()

	tr.Open()
	tr.Open()
	tr.Open()
	waitEvent(t, events, EventConnected)

	server.waitConn(t)
	select {
	case <-server.newC:
		t.Fatal("redundant Open dialed a second connection")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTransportSendRoundTrip(t *testing.T) {
	server := newWSTestServer(t)
	handler, events := eventCollector()
	tr := NewTransport(testTransportConfig(server.url()), zap.NewNop(), handler)
	defer tr.Close()

	assert.False(t, tr.Send([]byte("early")), "send before open must report not-sent")

	tr.Open()
	waitEvent(t, events, EventConnected)
	require.True(t, tr.Send([]byte("hello")))

	select {
	case got := <-server.recv:
		assert.Equal(t, "hello", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("frame never reached the server")
	}
}

func TestTransportReconnectsAfterDrop(t *testing.T) {
	server := newWSTestServer(t)
	handler, events := eventCollector()
	tr := NewTransport(testTransportConfig(server.url()), zap.NewNop(), handler)
	defer tr.Close()

	tr.Open()
	waitEvent(t, events, EventConnected)
	conn := server.waitConn(t)

	conn.Close()
	waitEvent(t, events, EventDisconnected)
	waitEvent(t, events, EventConnected)

	server.waitConn(t)
	assert.Equal(t, TransportOpen, tr.State())
}

func TestTransportHeartbeatTimeoutForcesReconnect(t *testing.T) {
	server := newWSTestServer(t)
	cfg := testTransportConfig(server.url())
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	handler, events := eventCollector()
	tr := NewTransport(cfg, zap.NewNop(), handler)
	defer tr.Close()

	tr.Open()
	waitEvent(t, events, EventConnected)

	// The server stays silent; the heartbeat clock expires the connection.
	ev := waitEvent(t, events, EventDisconnected)
	require.Error(t, ev.Err)
	assert.Contains(t, ev.Err.Error(), "heartbeat")

	waitEvent(t, events, EventConnected)
}

func TestInboundFramesResetHeartbeat(t *testing.T) {
	server := newWSTestServer(t)
	cfg := testTransportConfig(server.url())
	cfg.HeartbeatTimeout = 120 * time.Millisecond
	handler, events := eventCollector()
	tr := NewTransport(cfg, zap.NewNop(), handler)
	defer tr.Close()

	tr.Open()
	waitEvent(t, events, EventConnected)
	conn := server.waitConn(t)

	// Keep feeding frames faster than the heartbeat window for a while.
	for i := 0; i < 8; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(pingFrame)))
		time.Sleep(50 * time.Millisecond)
	}

	select {
	case ev := <-events:
		if ev.Kind == EventDisconnected {
			t.Fatal("heartbeat expired despite steady inbound frames")
		}
	default:
	}
	assert.Equal(t, TransportOpen, tr.State())
}

func TestTransportCloseIsFinal(t *testing.T) {
	server := newWSTestServer(t)
	handler, events := eventCollector()
	tr := NewTransport(testTransportConfig(server.url()), zap.NewNop(), handler)

	tr.Open()
	waitEvent(t, events, EventConnected)
	server.waitConn(t)

	tr.Close()
	waitEvent(t, events, EventShutdown)

	// No reconnect may follow a deliberate close.
	select {
	case <-server.newC:
		t.Fatal("transport reconnected after Close")
	case <-time.After(150 * time.Millisecond):
	}
	assert.Equal(t, TransportClosed, tr.State())

	tr.Close() // idempotent
}

func TestBackoffResetsAfterStableConnection(t *testing.T) {
	server := newWSTestServer(t)
	cfg := testTransportConfig(server.url())
	cfg.SuccessThreshold = 20 * time.Millisecond
	handler, events := eventCollector()
	tr := NewTransport(cfg, zap.NewNop(), handler)
	defer tr.Close()

	tr.Open()
	waitEvent(t, events, EventConnected)
	conn := server.waitConn(t)

	// Drop and reconnect a few times to push the attempt counter up.
	for i := 0; i < 3; i++ {
		conn.Close()
		waitEvent(t, events, EventDisconnected)
		waitEvent(t, events, EventConnected)
		conn = server.waitConn(t)
	}

	// A connection that survives past the success threshold resets the
	// counter so the next failure starts from the minimum delay again.
	require.Eventually(t, func() bool { return tr.retry.Attempt() == 0 }, time.Second, time.Millisecond)
}
