package services

import (
	"context"
	"sync"
	"time"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"
	"voicelink/pkg/backoff"
)

// fakeEngine is a scriptable media engine for session tests.
type fakeEngine struct {
	mu      sync.Mutex
	handler ports.MediaHandler

	openErr    error
	offerErr   error
	restartErr error
	connState  domain.MediaConnState
	snapshot   domain.StatsSnapshot
	snapshotFn func() domain.StatsSnapshot

	opened        int
	offers        int
	answers       int
	acceptedSDPs  []string
	restarts      int
	closes        int
	muted         []bool
	handlerSetErr error
}

func (e *fakeEngine) SetHandler(h ports.MediaHandler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlerSetErr != nil {
		return e.handlerSetErr
	}
	e.handler = h
	return nil
}

func (e *fakeEngine) Open(ctx context.Context, constraints domain.MediaConstraints) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openErr != nil {
		return e.openErr
	}
	e.opened++
	return nil
}

func (e *fakeEngine) CreateOffer(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.offerErr != nil {
		return "", e.offerErr
	}
	e.offers++
	return "v=0 offer", nil
}

func (e *fakeEngine) CreateAnswer(ctx context.Context, remoteSDP string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.answers++
	return "v=0 answer", nil
}

func (e *fakeEngine) AcceptAnswer(remoteSDP string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acceptedSDPs = append(e.acceptedSDPs, remoteSDP)
	return nil
}

func (e *fakeEngine) RestartICE(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.restartErr != nil {
		return "", e.restartErr
	}
	e.restarts++
	return "v=0 restart-offer", nil
}

func (e *fakeEngine) Mute(muted bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.muted = append(e.muted, muted)
	return nil
}

func (e *fakeEngine) ConnectionState() domain.MediaConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connState
}

func (e *fakeEngine) StatsSnapshot() (domain.StatsSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.snapshotFn != nil {
		return e.snapshotFn(), nil
	}
	return e.snapshot, nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closes++
	return nil
}

func (e *fakeEngine) emit(ev ports.MediaEvent) {
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (e *fakeEngine) setConnState(s domain.MediaConnState) {
	e.mu.Lock()
	e.connState = s
	e.mu.Unlock()
}

func (e *fakeEngine) closeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closes
}

func (e *fakeEngine) acceptCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.acceptedSDPs)
}

func (e *fakeEngine) restartCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.restarts
}

// sentMessage is one recorded outbound signaling message.
type sentMessage struct {
	verb    domain.Verb
	payload interface{}
}

// fakeStream records outbound signaling and hands out pending reinvites the
// test resolves by hand.
type fakeStream struct {
	mu       sync.Mutex
	messages []sentMessage
	handlers map[domain.CallID]ports.CallMessageHandler
	pending  []*ports.PendingReinvite
	sendErr  error
}

func newFakeStream() *fakeStream {
	return &fakeStream{handlers: make(map[domain.CallID]ports.CallMessageHandler)}
}

func (s *fakeStream) record(verb domain.Verb, payload interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.messages = append(s.messages, sentMessage{verb: verb, payload: payload})
	return nil
}

func (s *fakeStream) SendListen(tok string, metadata map[string]string) error {
	return s.record(domain.VerbListen, domain.ListenPayload{Token: tok, ClientMetadata: metadata})
}

func (s *fakeStream) SendRegister(audio bool) error {
	p := domain.RegisterPayload{}
	p.Media.Audio = audio
	return s.record(domain.VerbRegister, p)
}

func (s *fakeStream) SendInvite(p domain.InvitePayload) error {
	return s.record(domain.VerbInvite, p)
}

func (s *fakeStream) SendAnswer(p domain.AnswerPayload) error {
	return s.record(domain.VerbAnswer, p)
}

func (s *fakeStream) SendRinging(p domain.RingingPayload) error {
	return s.record(domain.VerbRinging, p)
}

func (s *fakeStream) SendHangup(p domain.HangupPayload) error {
	return s.record(domain.VerbHangup, p)
}

func (s *fakeStream) SendReject(callSid domain.CallID) error {
	return s.record(domain.VerbReject, domain.RejectPayload{CallSid: callSid})
}

func (s *fakeStream) SendDTMF(callSid domain.CallID, digits string) error {
	return s.record(domain.VerbDTMF, domain.DTMFPayload{CallSid: callSid, Digits: digits})
}

func (s *fakeStream) Reinvite(callSid domain.CallID, sdp string) *ports.PendingReinvite {
	s.record(domain.VerbReinvite, domain.ReinvitePayload{CallSid: callSid, SDP: sdp})
	p := ports.NewPendingReinvite()
	s.mu.Lock()
	s.pending = append(s.pending, p)
	s.mu.Unlock()
	return p
}

func (s *fakeStream) Subscribe(callSid domain.CallID, h ports.CallMessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[callSid] = h
}

func (s *fakeStream) Unsubscribe(callSid domain.CallID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, callSid)
}

func (s *fakeStream) sent(verb domain.Verb) []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentMessage
	for _, m := range s.messages {
		if m.verb == verb {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeStream) sentCount(verb domain.Verb) int {
	return len(s.sent(verb))
}

func (s *fakeStream) verbs() []domain.Verb {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Verb, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.verb
	}
	return out
}

func (s *fakeStream) handlerFor(callSid domain.CallID) ports.CallMessageHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[callSid]
}

func (s *fakeStream) lastPending() *ports.PendingReinvite {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	return s.pending[len(s.pending)-1]
}

// fakeConn adds the lifecycle surface the client drives.
type fakeConn struct {
	fakeStream
	mu     sync.Mutex
	opens  int
	closes int
}

func (c *fakeConn) Open() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens++
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// testCallConfig keeps all background timing out of the way so tests drive
// every transition explicitly.
func testCallConfig() CallConfig {
	cfg := DefaultCallConfig()
	cfg.MediaBackoff = backoff.Config{
		InitialDelay: 2 * time.Millisecond,
		MaxDelay:     200 * time.Millisecond,
		Multiplier:   2.0,
	}
	cfg.Monitor.SampleInterval = time.Hour
	cfg.Monitor.LevelSampleInterval = time.Minute
	cfg.Monitor.WarningDwell = 0
	cfg.WarmupDelay = time.Hour
	cfg.DTMFPerSecond = 100
	cfg.DTMFBurst = 100
	return cfg
}
