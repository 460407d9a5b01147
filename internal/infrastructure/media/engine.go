package media

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const audioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

// Config holds the peer connection policy for the engine.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// Engine implements ports.MediaEngine on a pion peer connection carrying a
// single opus audio track each way. Local audio comes from the injected
// Source; remote audio is drained by an RTP read loop that also feeds the
// stats counters.
type Engine struct {
	cfg    Config
	source Source
	logger *zap.SugaredLogger

	mu           sync.Mutex
	pc           *webrtc.PeerConnection
	audioTrack   *webrtc.TrackLocalStaticRTP
	sender       *webrtc.RTPSender
	handler      ports.MediaHandler
	state        domain.MediaConnState
	wasConnected bool
	candidates   int
	levelExtID   int
	closed       bool
	stopPump     chan struct{}

	stats statsAccumulator
}

// NewEngine creates an engine. Source supplies the outbound audio frames;
// a nil source sends comfort silence.
func NewEngine(cfg Config, source Source, logger *zap.Logger) *Engine {
	if source == nil {
		source = NewSilenceSource()
	}
	return &Engine{
		cfg:    cfg,
		source: source,
		logger: logger.Sugar().With("component", "media"),
		state:  domain.MediaConnNew,
	}
}

// SetHandler installs the event sink. Must precede Open.
func (e *Engine) SetHandler(h ports.MediaHandler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.ErrCallClosed
	}
	e.handler = h
	return nil
}

// Open builds the peer connection and the local audio track.
func (e *Engine) Open(ctx context.Context, constraints domain.MediaConstraints) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.ErrCallClosed
	}
	if e.pc != nil {
		return nil
	}
	if !constraints.Audio {
		return domain.NewMediaAcquisitionError("", false, fmt.Errorf("audio is required"))
	}

	pc, err := e.newPeerConnection()
	if err != nil {
		return domain.NewMediaAcquisitionError("", false, err)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2},
		"audio",
		"voicelink-audio",
	)
	if err != nil {
		pc.Close()
		return domain.NewMediaAcquisitionError("", false, err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return domain.NewMediaAcquisitionError("", false, err)
	}

	e.pc = pc
	e.audioTrack = track
	e.sender = sender
	e.stopPump = make(chan struct{})

	pc.OnTrack(e.onRemoteTrack)
	pc.OnICEConnectionStateChange(e.onICEState)
	pc.OnICECandidate(e.onICECandidate)
	pc.OnICEGatheringStateChange(e.onGatheringState)

	go e.pumpOutbound(track, e.stopPump)
	go e.readSenderReports(sender)
	return nil
}

func (e *Engine) newPeerConnection() (*webrtc.PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	if err := m.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: audioLevelURI},
		webrtc.RTPCodecTypeAudio,
	); err != nil {
		return nil, err
	}

	settingEngine := webrtc.SettingEngine{}
	if e.cfg.PortRange.Min > 0 && e.cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(e.cfg.PortRange.Min, e.cfg.PortRange.Max); err != nil {
			return nil, err
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithSettingEngine(settingEngine),
	)
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   e.cfg.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
}

// CreateOffer produces and installs the local offer.
func (e *Engine) CreateOffer(ctx context.Context) (string, error) {
	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil {
		return "", fmt.Errorf("media engine is not open")
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	e.rememberLevelExtension(offer.SDP)
	return offer.SDP, nil
}

// CreateAnswer applies the remote offer and produces the local answer.
func (e *Engine) CreateAnswer(ctx context.Context, remoteSDP string) (string, error) {
	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil {
		return "", fmt.Errorf("media engine is not open")
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  remoteSDP,
	}); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	e.rememberLevelExtension(remoteSDP)
	return answer.SDP, nil
}

// AcceptAnswer applies the remote answer to the pending local offer.
func (e *Engine) AcceptAnswer(remoteSDP string) error {
	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("media engine is not open")
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  remoteSDP,
	}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	e.rememberLevelExtension(remoteSDP)
	return nil
}

// RestartICE starts a fresh connectivity cycle and returns the new offer.
func (e *Engine) RestartICE(ctx context.Context) (string, error) {
	e.mu.Lock()
	pc := e.pc
	e.candidates = 0
	e.mu.Unlock()
	if pc == nil {
		return "", fmt.Errorf("media engine is not open")
	}

	offer, err := pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return "", fmt.Errorf("create restart offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

// Mute silences the outbound track without renegotiating.
func (e *Engine) Mute(muted bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.ErrCallClosed
	}
	e.stats.setMuted(muted)
	return nil
}

// ConnectionState returns the current connectivity state.
func (e *Engine) ConnectionState() domain.MediaConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// StatsSnapshot reads the cumulative counters.
func (e *Engine) StatsSnapshot() (domain.StatsSnapshot, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return domain.StatsSnapshot{}, domain.ErrCallClosed
	}
	return e.stats.snapshot(), nil
}

// Close tears the peer connection down. Idempotent; emits MediaClosed once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.state = domain.MediaConnClosed
	pc := e.pc
	e.pc = nil
	if e.stopPump != nil {
		close(e.stopPump)
		e.stopPump = nil
	}
	handler := e.handler
	e.mu.Unlock()

	var err error
	if pc != nil {
		err = pc.Close()
	}
	e.source.Close()
	if handler != nil {
		handler(ports.MediaEvent{Kind: ports.MediaClosed})
	}
	return err
}

// onICEState translates pion's ICE states into engine events. Connected is
// reported as opened the first time and reconnected afterwards.
func (e *Engine) onICEState(state webrtc.ICEConnectionState) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	handler := e.handler
	var ev *ports.MediaEvent
	switch state {
	case webrtc.ICEConnectionStateChecking:
		e.state = domain.MediaConnConnecting
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		prev := e.state
		e.state = domain.MediaConnConnected
		if !e.wasConnected {
			e.wasConnected = true
			ev = &ports.MediaEvent{Kind: ports.MediaOpened}
		} else if prev != domain.MediaConnConnected {
			ev = &ports.MediaEvent{Kind: ports.MediaReconnected}
		}
	case webrtc.ICEConnectionStateDisconnected:
		e.state = domain.MediaConnDisconnected
		ev = &ports.MediaEvent{Kind: ports.MediaFailed, Failure: domain.FailureDisconnected}
	case webrtc.ICEConnectionStateFailed:
		e.state = domain.MediaConnFailed
		ev = &ports.MediaEvent{Kind: ports.MediaFailed, Failure: domain.FailureConnectionFailed}
	case webrtc.ICEConnectionStateClosed:
		e.state = domain.MediaConnClosed
	}
	e.mu.Unlock()

	e.logger.Infow("ice connection state changed", "state", state.String())
	if ev != nil && handler != nil {
		handler(*ev)
	}
}

func (e *Engine) onICECandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	e.mu.Lock()
	e.candidates++
	e.mu.Unlock()
}

// onGatheringState flags a gathering cycle that produced no candidates at
// all; connectivity cannot come up without any.
func (e *Engine) onGatheringState(state webrtc.ICEGathererState) {
	if state != webrtc.ICEGathererStateComplete {
		return
	}
	e.mu.Lock()
	empty := e.candidates == 0 && !e.closed
	handler := e.handler
	e.mu.Unlock()

	if empty {
		e.logger.Warnw("ice gathering completed with no candidates")
		if handler != nil {
			handler(ports.MediaEvent{Kind: ports.MediaFailed, Failure: domain.FailureGatheringFailed})
		}
	}
}

// rememberLevelExtension parses the negotiated extmap id for the ssrc
// audio-level extension so inbound levels can be read off RTP headers.
func (e *Engine) rememberLevelExtension(sdp string) {
	for _, line := range strings.Split(sdp, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "a=extmap:") || !strings.Contains(line, audioLevelURI) {
			continue
		}
		rest := strings.TrimPrefix(line, "a=extmap:")
		idField := strings.Fields(rest)[0]
		// The id may carry a direction suffix, e.g. "3/sendrecv".
		idField = strings.SplitN(idField, "/", 2)[0]
		if id, err := strconv.Atoi(idField); err == nil {
			e.mu.Lock()
			e.levelExtID = id
			e.mu.Unlock()
			return
		}
	}
}
