package signal

import (
	"encoding/json"
	"fmt"
	"sync"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"

	"go.uber.org/zap"
)

// pingFrame is the single-character liveness frame; it is echoed back
// verbatim and never parsed as an envelope.
const pingFrame = "\n"

type queuedMessage struct {
	verb    domain.Verb
	payload []byte
}

// Stream frames typed messages over the reconnecting transport, queues
// retryable publishes while disconnected, and correlates renegotiation
// requests with their responses by callsid. One Stream is shared by all call
// sessions of a client.
type Stream struct {
	transport *Transport
	logger    *zap.SugaredLogger
	metrics   ports.MetricsSink

	// sendMu serializes writes; gorilla connections support one writer.
	sendMu sync.Mutex

	mu       sync.Mutex
	queue    []queuedMessage
	handlers map[domain.CallID]ports.CallMessageHandler
	pending  map[domain.CallID]*ports.PendingReinvite
	client   ports.ClientMessageHandler
}

// NewStream builds the multiplexer and its underlying transport. The client
// handler receives connection-level and non-call-scoped messages.
func NewStream(cfg TransportConfig, logger *zap.Logger, metrics ports.MetricsSink, client ports.ClientMessageHandler) *Stream {
	s := &Stream{
		logger:   logger.Sugar().With("component", "stream"),
		metrics:  metrics,
		handlers: make(map[domain.CallID]ports.CallMessageHandler),
		pending:  make(map[domain.CallID]*ports.PendingReinvite),
		client:   client,
	}
	s.transport = NewTransport(cfg, logger, s.onTransportEvent)
	return s
}

// Open starts the underlying transport.
func (s *Stream) Open() { s.transport.Open() }

// Close shuts down the transport and fails any pending renegotiations.
func (s *Stream) Close() { s.transport.Close() }

// Subscribe registers the handler for call-scoped messages for callSid.
func (s *Stream) Subscribe(callSid domain.CallID, h ports.CallMessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[callSid] = h
}

// Unsubscribe removes the handler for callSid.
func (s *Stream) Unsubscribe(callSid domain.CallID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, callSid)
}

func (s *Stream) SendListen(tok string, metadata map[string]string) error {
	// listen is never queued: the client re-sends it with a fresh token on
	// every reconnect.
	if err := s.publish(domain.VerbListen, domain.ListenPayload{Token: tok, ClientMetadata: metadata}, false); err != nil {
		return err
	}
	// Queued traffic is released only behind listen, so the gateway sees it
	// on an authenticated stream.
	s.flushQueue()
	return nil
}

func (s *Stream) SendRegister(audio bool) error {
	p := domain.RegisterPayload{}
	p.Media.Audio = audio
	return s.publish(domain.VerbRegister, p, true)
}

func (s *Stream) SendInvite(p domain.InvitePayload) error {
	if p.CallSid == "" {
		return domain.ErrMissingCallSid
	}
	return s.publish(domain.VerbInvite, p, true)
}

func (s *Stream) SendAnswer(p domain.AnswerPayload) error {
	if p.CallSid == "" {
		return domain.ErrMissingCallSid
	}
	return s.publish(domain.VerbAnswer, p, true)
}

func (s *Stream) SendRinging(p domain.RingingPayload) error {
	if p.CallSid == "" {
		return domain.ErrMissingCallSid
	}
	return s.publish(domain.VerbRinging, p, true)
}

func (s *Stream) SendHangup(p domain.HangupPayload) error {
	if p.CallSid == "" {
		return domain.ErrMissingCallSid
	}
	return s.publish(domain.VerbHangup, p, true)
}

func (s *Stream) SendReject(callSid domain.CallID) error {
	if callSid == "" {
		return domain.ErrMissingCallSid
	}
	return s.publish(domain.VerbReject, domain.RejectPayload{CallSid: callSid}, true)
}

func (s *Stream) SendDTMF(callSid domain.CallID, digits string) error {
	if callSid == "" {
		return domain.ErrMissingCallSid
	}
	return s.publish(domain.VerbDTMF, domain.DTMFPayload{CallSid: callSid, Digits: digits}, true)
}

// Reinvite sends a renegotiation request for callSid. Requests are coalesced
// by callsid: while one is in flight, further calls return the same pending
// result and put nothing on the wire.
func (s *Stream) Reinvite(callSid domain.CallID, sdp string) *ports.PendingReinvite {
	s.mu.Lock()
	if p, ok := s.pending[callSid]; ok {
		s.mu.Unlock()
		return p
	}
	p := ports.NewPendingReinvite()
	s.pending[callSid] = p
	s.mu.Unlock()

	if err := s.publish(domain.VerbReinvite, domain.ReinvitePayload{CallSid: callSid, SDP: sdp}, true); err != nil {
		s.resolvePending(callSid, func(pr *ports.PendingReinvite) { pr.Fail(err) })
	}
	return p
}

// publish marshals the envelope and writes it, or queues it for the next
// reconnect when the transport is down and the message is retryable.
func (s *Stream) publish(verb domain.Verb, payload interface{}, retryable bool) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", verb, err)
	}
	frame, err := json.Marshal(domain.Envelope{
		Type:    verb,
		Version: domain.ProtocolVersion,
		Payload: raw,
	})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", verb, err)
	}

	s.sendMu.Lock()
	sent := s.transport.Send(frame)
	s.sendMu.Unlock()

	if sent {
		s.metrics.RecordMessageSent(verb)
		return nil
	}
	if retryable {
		s.mu.Lock()
		s.queue = append(s.queue, queuedMessage{verb: verb, payload: frame})
		n := len(s.queue)
		s.mu.Unlock()
		s.logger.Debugw("message queued while offline", "verb", verb, "queued", n)
	}
	return nil
}

// flushQueue drains the retry queue in FIFO order. An entry that fails to
// send again goes back to the front so original order is preserved.
func (s *Stream) flushQueue() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		msg := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.sendMu.Lock()
		sent := s.transport.Send(msg.payload)
		s.sendMu.Unlock()

		if !sent {
			s.mu.Lock()
			s.queue = append([]queuedMessage{msg}, s.queue...)
			s.mu.Unlock()
			return
		}
		s.metrics.RecordMessageSent(msg.verb)
	}
}

func (s *Stream) onTransportEvent(ev TransportEvent) {
	switch ev.Kind {
	case EventConnected:
		s.metrics.RecordTransportConnected()
		// No flush here: the queue drains once the client has re-sent
		// listen, never before the stream is authenticated.
		s.client.OnConnected()

	case EventMessage:
		s.onFrame(ev.Payload)

	case EventDisconnected:
		s.metrics.RecordTransportReconnect()
		s.client.OnOffline()

	case EventShutdown:
		s.failAllPending(fmt.Errorf("signaling stream closed"))
	}
}

func (s *Stream) onFrame(payload []byte) {
	if len(payload) == 1 {
		// Heartbeat: echo the ping frame back verbatim.
		s.sendMu.Lock()
		s.transport.Send(payload)
		s.sendMu.Unlock()
		return
	}

	var env domain.Envelope
	if err := json.Unmarshal(payload, &env); err != nil || !domain.KnownVerb(env.Type) {
		s.logger.Warnw("malformed signaling frame", "error", err, "type", env.Type)
		ep := domain.ErrorPayload{}
		ep.Error.Code = int(domain.CodeSignalingMalformed)
		ep.Error.Message = "malformed signaling message"
		s.client.OnClientError(ep)
		return
	}
	s.metrics.RecordMessageReceived(env.Type)

	switch env.Type {
	case domain.VerbAnswer:
		var p domain.AnswerPayload
		if !s.decode(env, &p) {
			return
		}
		// A matching answer resolves an in-flight renegotiation first; the
		// session also sees it and drops it if stale.
		s.resolvePending(p.CallSid, func(pr *ports.PendingReinvite) { pr.Resolve(p.SDP) })
		if h := s.handlerFor(p.CallSid); h != nil {
			h.OnAnswer(p)
		}

	case domain.VerbRinging:
		var p domain.RingingPayload
		if !s.decode(env, &p) {
			return
		}
		if h := s.handlerFor(p.CallSid); h != nil {
			h.OnRinging(p)
		}

	case domain.VerbHangup:
		var p domain.HangupPayload
		if !s.decode(env, &p) {
			return
		}
		s.resolvePending(p.CallSid, func(pr *ports.PendingReinvite) {
			pr.Fail(fmt.Errorf("call ended during renegotiation"))
		})
		if h := s.handlerFor(p.CallSid); h != nil {
			h.OnHangup(p)
		}

	case domain.VerbError:
		var p domain.ErrorPayload
		if !s.decode(env, &p) {
			return
		}
		if p.CallSid != "" {
			s.resolvePending(p.CallSid, func(pr *ports.PendingReinvite) {
				pr.Fail(domain.NewSignalingError(p.CallSid, p.Error.Code, p.Error.Message))
			})
			if h := s.handlerFor(p.CallSid); h != nil {
				h.OnCallError(p)
				return
			}
		}
		s.client.OnClientError(p)

	case domain.VerbInvite:
		var p domain.InvitePayload
		if !s.decode(env, &p) {
			return
		}
		s.client.OnInvite(p)

	case domain.VerbClose:
		s.client.OnServerClose()

	default:
		// Outbound-only verbs arriving inbound are protocol violations.
		s.logger.Warnw("unexpected inbound verb", "verb", env.Type)
	}
}

func (s *Stream) decode(env domain.Envelope, out interface{}) bool {
	if err := json.Unmarshal(env.Payload, out); err != nil {
		s.logger.Warnw("malformed payload", "verb", env.Type, "error", err)
		ep := domain.ErrorPayload{}
		ep.Error.Code = int(domain.CodeSignalingMalformed)
		ep.Error.Message = fmt.Sprintf("malformed %s payload", env.Type)
		s.client.OnClientError(ep)
		return false
	}
	return true
}

func (s *Stream) handlerFor(callSid domain.CallID) ports.CallMessageHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[callSid]
}

// resolvePending completes and removes the pending renegotiation for
// callSid, if any. The pending result itself guarantees exactly-once
// resolution even if a success and a failure response both arrive.
func (s *Stream) resolvePending(callSid domain.CallID, complete func(*ports.PendingReinvite)) {
	s.mu.Lock()
	p, ok := s.pending[callSid]
	if ok {
		delete(s.pending, callSid)
	}
	s.mu.Unlock()
	if ok {
		complete(p)
	}
}

func (s *Stream) failAllPending(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[domain.CallID]*ports.PendingReinvite)
	s.mu.Unlock()
	for _, p := range pending {
		p.Fail(err)
	}
}

// QueueDepth reports the number of messages waiting for reconnect.
func (s *Stream) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
