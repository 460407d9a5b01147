package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"
	"voicelink/pkg/token"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // development gateway; restrict origins before exposing
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ServerConfig holds the gateway's per-connection policy.
type ServerConfig struct {
	// PingInterval paces the single-character liveness frames the gateway
	// sends; clients echo them verbatim.
	PingInterval time.Duration
	// IdleTimeout drops a connection when no frame at all arrives within it.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	// MessagesPerSecond/Burst rate-limit inbound envelopes per connection.
	MessagesPerSecond float64
	Burst             int
}

// DefaultServerConfig returns the development gateway defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:      10 * time.Second,
		IdleTimeout:       35 * time.Second,
		WriteTimeout:      10 * time.Second,
		MessagesPerSecond: 50,
		Burst:             100,
	}
}

// Server is the development signaling gateway. It authenticates clients,
// tracks their registrations, pairs invites with registered callees and
// relays call traffic between the two legs. Renegotiation requests are
// answered locally with a mirrored SDP, which is enough for a client
// exercising its recovery path against the gateway.
type Server struct {
	cfg    ServerConfig
	tokens *token.Issuer
	calls  ports.CallRepository
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	conns   map[string]*clientConn
	routes  map[domain.CallID]*callRoute
	closing bool
}

type clientConn struct {
	id         string
	conn       *websocket.Conn
	limiter    *rate.Limiter
	writeMu    sync.Mutex
	authorized bool
	registered bool
	metadata   map[string]string
}

// callRoute pairs the two legs of a relayed call.
type callRoute struct {
	caller string
	callee string
}

// NewServer creates the gateway.
func NewServer(cfg ServerConfig, tokens *token.Issuer, calls ports.CallRepository, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		tokens: tokens,
		calls:  calls,
		logger: logger.Sugar().With("component", "gateway"),
		conns:  make(map[string]*clientConn),
		routes: make(map[domain.CallID]*callRoute),
	}
}

// HandleWebSocket upgrades the request and serves the connection until it
// drops or the gateway shuts down.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	cc := &clientConn{
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst),
	}
	defer s.dropConn(cc)

	stopPing := make(chan struct{})
	defer close(stopPing)
	go s.pingLoop(cc, stopPing)

	conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			s.logger.Infow("connection closed", "client_id", cc.id, "error", err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		if len(payload) == 1 {
			// Ping echo from the client: liveness only.
			continue
		}
		if !cc.limiter.Allow() {
			s.sendError(cc, "", domain.CodeUnknown, "message rate limit exceeded")
			continue
		}
		s.handleEnvelope(cc, payload)
	}
}

// Shutdown tells every client to go away and closes their sockets.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closing = true
	conns := make([]*clientConn, 0, len(s.conns))
	for _, cc := range s.conns {
		conns = append(conns, cc)
	}
	s.mu.Unlock()

	for _, cc := range conns {
		s.send(cc, domain.VerbClose, struct{}{})
		cc.conn.Close()
	}
}

func (s *Server) pingLoop(cc *clientConn, stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			cc.writeMu.Lock()
			cc.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			err := cc.conn.WriteMessage(websocket.TextMessage, []byte(pingFrame))
			cc.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) handleEnvelope(cc *clientConn, payload []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(payload, &env); err != nil || !domain.KnownVerb(env.Type) {
		s.sendError(cc, "", domain.CodeSignalingMalformed, "malformed signaling message")
		return
	}

	if env.Type != domain.VerbListen && !cc.authorized {
		s.sendError(cc, "", domain.CodeTokenInvalid, "listen with a valid token first")
		return
	}

	switch env.Type {
	case domain.VerbListen:
		s.handleListen(cc, env.Payload)
	case domain.VerbRegister:
		s.handleRegister(cc, env.Payload)
	case domain.VerbInvite:
		s.handleInvite(cc, env.Payload)
	case domain.VerbAnswer:
		s.handleAnswer(cc, env.Payload)
	case domain.VerbRinging:
		s.handleRinging(cc, env.Payload)
	case domain.VerbHangup:
		s.handleHangup(cc, env.Payload)
	case domain.VerbReject:
		s.handleReject(cc, env.Payload)
	case domain.VerbDTMF:
		s.handleDTMF(cc, env.Payload)
	case domain.VerbReinvite:
		s.handleReinvite(cc, env.Payload)
	default:
		s.logger.Warnw("unexpected inbound verb", "verb", env.Type, "client_id", cc.id)
	}
}

func (s *Server) handleListen(cc *clientConn, raw json.RawMessage) {
	var p domain.ListenPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.sendError(cc, "", domain.CodeSignalingMalformed, "malformed listen payload")
		return
	}

	claims, err := s.tokens.Validate(p.Token)
	if err != nil {
		if errors.Is(err, token.ErrExpiredToken) {
			s.sendError(cc, "", domain.CodeTokenExpired, "access token expired")
		} else {
			s.sendError(cc, "", domain.CodeTokenInvalid, "access token invalid")
		}
		return
	}

	cc.id = claims.ClientID
	cc.authorized = true
	cc.metadata = p.ClientMetadata

	s.mu.Lock()
	if old, exists := s.conns[cc.id]; exists && old != cc {
		old.conn.Close()
		s.logger.Infow("replacing stale connection", "client_id", cc.id)
	}
	s.conns[cc.id] = cc
	s.mu.Unlock()

	s.logger.Infow("client authenticated", "client_id", cc.id)
}

func (s *Server) handleRegister(cc *clientConn, raw json.RawMessage) {
	var p domain.RegisterPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.sendError(cc, "", domain.CodeSignalingMalformed, "malformed register payload")
		return
	}
	cc.registered = true
	s.logger.Infow("client registered", "client_id", cc.id, "audio", p.Media.Audio)
}

func (s *Server) handleInvite(cc *clientConn, raw json.RawMessage) {
	var p domain.InvitePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.CallSid == "" {
		s.sendError(cc, p.CallSid, domain.CodeSignalingMalformed, "malformed invite payload")
		return
	}

	record := &domain.CallRecord{
		Sid:       p.CallSid,
		ClientID:  cc.id,
		Status:    domain.RecordRinging,
		Preflight: p.Preflight,
		CreatedAt: time.Now(),
	}
	ctx, cancel := repoContext()
	if err := s.calls.Create(ctx, record); err != nil {
		s.logger.Warnw("failed to store call record", "call_sid", p.CallSid, "error", err)
	}
	cancel()

	target := s.lookupTarget(p.Params)
	if target == nil {
		s.endRecord(p.CallSid, domain.RecordRejected)
		s.sendError(cc, p.CallSid, domain.CodeUnknown, "destination is not registered")
		return
	}

	s.mu.Lock()
	s.routes[p.CallSid] = &callRoute{caller: cc.id, callee: target.id}
	s.mu.Unlock()

	// The caller hears ringing while the callee decides.
	s.send(cc, domain.VerbRinging, domain.RingingPayload{CallSid: p.CallSid})
	s.send(target, domain.VerbInvite, p)
}

func (s *Server) handleAnswer(cc *clientConn, raw json.RawMessage) {
	var p domain.AnswerPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.CallSid == "" {
		s.sendError(cc, p.CallSid, domain.CodeSignalingMalformed, "malformed answer payload")
		return
	}

	peer := s.peerOf(p.CallSid, cc.id)
	if peer == nil {
		s.sendError(cc, p.CallSid, domain.CodeUnknown, "no such call")
		return
	}

	s.markAnswered(p.CallSid)
	s.send(peer, domain.VerbAnswer, p)
}

func (s *Server) handleRinging(cc *clientConn, raw json.RawMessage) {
	var p domain.RingingPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.CallSid == "" {
		return
	}
	if peer := s.peerOf(p.CallSid, cc.id); peer != nil {
		s.send(peer, domain.VerbRinging, p)
	}
}

func (s *Server) handleHangup(cc *clientConn, raw json.RawMessage) {
	var p domain.HangupPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.CallSid == "" {
		return
	}

	s.endRecord(p.CallSid, domain.RecordCompleted)
	if peer := s.peerOf(p.CallSid, cc.id); peer != nil {
		s.send(peer, domain.VerbHangup, p)
	}
	s.mu.Lock()
	delete(s.routes, p.CallSid)
	s.mu.Unlock()
}

func (s *Server) handleReject(cc *clientConn, raw json.RawMessage) {
	var p domain.RejectPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.CallSid == "" {
		return
	}

	s.endRecord(p.CallSid, domain.RecordRejected)
	if peer := s.peerOf(p.CallSid, cc.id); peer != nil {
		s.send(peer, domain.VerbHangup, domain.HangupPayload{CallSid: p.CallSid, Message: "call rejected"})
	}
	s.mu.Lock()
	delete(s.routes, p.CallSid)
	s.mu.Unlock()
}

func (s *Server) handleDTMF(cc *clientConn, raw json.RawMessage) {
	var p domain.DTMFPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.CallSid == "" {
		return
	}
	if peer := s.peerOf(p.CallSid, cc.id); peer != nil {
		s.send(peer, domain.VerbDTMF, p)
	}
}

// handleReinvite answers renegotiations locally with the offered SDP
// mirrored back, so a lone client can exercise ICE restarts end to end.
func (s *Server) handleReinvite(cc *clientConn, raw json.RawMessage) {
	var p domain.ReinvitePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.CallSid == "" {
		s.sendError(cc, p.CallSid, domain.CodeSignalingMalformed, "malformed reinvite payload")
		return
	}
	s.send(cc, domain.VerbAnswer, domain.AnswerPayload{CallSid: p.CallSid, SDP: p.SDP})
}

// lookupTarget resolves the invite destination from the application params.
func (s *Server) lookupTarget(params map[string]string) *clientConn {
	to := params["To"]
	if to == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cc := s.conns[to]
	if cc == nil || !cc.registered {
		return nil
	}
	return cc
}

// peerOf returns the other leg of the call, or nil when the call or the
// peer's connection is gone.
func (s *Server) peerOf(sid domain.CallID, from string) *clientConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	route, ok := s.routes[sid]
	if !ok {
		return nil
	}
	peerID := route.caller
	if from == route.caller {
		peerID = route.callee
	}
	return s.conns[peerID]
}

func (s *Server) markAnswered(sid domain.CallID) {
	ctx, cancel := repoContext()
	defer cancel()
	s.calls.Mutate(ctx, sid, func(record *domain.CallRecord) {
		record.Status = domain.RecordInProgress
		record.AnsweredAt = time.Now()
	})
}

func (s *Server) endRecord(sid domain.CallID, status domain.CallRecordStatus) {
	ctx, cancel := repoContext()
	defer cancel()
	s.calls.Mutate(ctx, sid, func(record *domain.CallRecord) {
		record.Status = status
		record.EndedAt = time.Now()
	})
}

func (s *Server) send(cc *clientConn, verb domain.Verb, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	frame, err := json.Marshal(domain.Envelope{
		Type:    verb,
		Version: domain.ProtocolVersion,
		Payload: raw,
	})
	if err != nil {
		return
	}

	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	cc.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := cc.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.logger.Debugw("write to client failed", "client_id", cc.id, "verb", verb, "error", err)
	}
}

func (s *Server) sendError(cc *clientConn, sid domain.CallID, code domain.ErrorCode, message string) {
	p := domain.ErrorPayload{CallSid: sid}
	p.Error.Code = int(code)
	p.Error.Message = message
	s.send(cc, domain.VerbError, p)
}

// repoContext bounds call-record operations so a slow store cannot stall
// the read loop.
func repoContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 3*time.Second)
}

func (s *Server) dropConn(cc *clientConn) {
	cc.conn.Close()
	if cc.id == "" {
		return
	}
	s.mu.Lock()
	if s.conns[cc.id] == cc {
		delete(s.conns, cc.id)
	}
	s.mu.Unlock()
}
