package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"
	"voicelink/pkg/backoff"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// CallConfig holds per-call policy.
type CallConfig struct {
	// MediaBackoff paces renegotiation attempts; recovery is abandoned once
	// the elapsed time since it started exceeds MaxDelay.
	MediaBackoff backoff.Config
	Monitor      MonitorConfig
	// WarmupDelay suppresses quality warnings for the start of a call.
	WarmupDelay time.Duration
	// EnableRingingState controls whether a ringing message without early
	// media still moves the call to the Ringing state.
	EnableRingingState bool
	DTMFPerSecond      float64
	DTMFBurst          int
}

// DefaultCallConfig returns the policy used for real calls.
func DefaultCallConfig() CallConfig {
	return CallConfig{
		MediaBackoff:       backoff.MediaConfig(),
		Monitor:            DefaultMonitorConfig(),
		WarmupDelay:        5 * time.Second,
		EnableRingingState: true,
		DTMFPerSecond:      10,
		DTMFBurst:          20,
	}
}

// OutgoingParams carries application parameters for an outgoing call.
type OutgoingParams struct {
	Params    map[string]string
	Preflight bool
}

const (
	evAccept      = "accept"
	evRinging     = "ringing"
	evOpen        = "open"
	evReconnect   = "reconnect"
	evReconnected = "reconnected"
	evClose       = "close"
)

// Call owns one call's lifecycle: it interprets signaling messages and media
// engine events, drives the engine through setup and renegotiation, and
// decides when recovery is attempted or abandoned. All external event
// handlers check the current state first; stale events are dropped rather
// than queued.
type Call struct {
	cfg     CallConfig
	stream  ports.SignalingStream
	engine  ports.MediaEngine
	monitor *QualityMonitor
	logger  *zap.SugaredLogger
	metrics ports.MetricsSink

	direction domain.Direction
	params    map[string]string
	preflight bool
	remoteSDP string // inbound invite offer (incoming calls)

	mu          sync.Mutex
	machine     *fsm.FSM
	id          domain.CallID
	temporaryID domain.CallID
	accepted    bool
	tornDown    bool
	engineOpen  bool
	remoteAcked bool
	earlyMedia  bool
	// suppressHangup is set when the remote side already ended the call, so
	// no hangup message goes out during teardown.
	suppressHangup bool
	recoveryStart  time.Time
	mediaRetry     *backoff.Scheduler
	warmupTimer    *time.Timer
	dtmfLimiter    *rate.Limiter
	setupStart     time.Time

	onStateChange    func(domain.CallState)
	onError          func(*domain.CallError)
	onWarningRaised  func(domain.Warning)
	onWarningCleared func(domain.Warning)

	done chan struct{}
}

// NewOutgoingCall creates a call in Pending with a temporary id. The gateway
// adopts the client-chosen sid once the invite is sent.
func NewOutgoingCall(cfg CallConfig, stream ports.SignalingStream, engine ports.MediaEngine, logger *zap.Logger, metrics ports.MetricsSink, params OutgoingParams) *Call {
	tempID := domain.CallID("TJ" + strings.ReplaceAll(uuid.NewString(), "-", ""))
	c := newCall(cfg, stream, engine, logger, metrics, domain.DirectionOutgoing)
	c.temporaryID = tempID
	c.params = params.Params
	c.preflight = params.Preflight
	c.logger = logger.Sugar().With("call_sid", string(tempID), "direction", "outgoing")
	return c
}

// NewIncomingCall creates a call in Pending for an inbound invite. The call
// subscribes to its sid immediately: a remote cancel can arrive while the
// application is still deciding, and it must reach the pending session.
func NewIncomingCall(cfg CallConfig, stream ports.SignalingStream, engine ports.MediaEngine, logger *zap.Logger, metrics ports.MetricsSink, invite domain.InvitePayload) *Call {
	c := newCall(cfg, stream, engine, logger, metrics, domain.DirectionIncoming)
	c.id = invite.CallSid
	c.params = invite.Params
	c.remoteSDP = invite.SDP
	c.logger = logger.Sugar().With("call_sid", string(invite.CallSid), "direction", "incoming")
	stream.Subscribe(invite.CallSid, c)
	return c
}

func newCall(cfg CallConfig, stream ports.SignalingStream, engine ports.MediaEngine, logger *zap.Logger, metrics ports.MetricsSink, dir domain.Direction) *Call {
	c := &Call{
		cfg:         cfg,
		stream:      stream,
		engine:      engine,
		logger:      logger.Sugar(),
		metrics:     metrics,
		direction:   dir,
		mediaRetry:  backoff.NewScheduler(cfg.MediaBackoff),
		dtmfLimiter: rate.NewLimiter(rate.Limit(cfg.DTMFPerSecond), cfg.DTMFBurst),
		done:        make(chan struct{}),
	}
	c.monitor = NewQualityMonitor(cfg.Monitor, engine, logger, metrics)
	c.monitor.OnWarning(c.onQualityWarningRaised, c.onQualityWarningCleared)
	c.machine = fsm.NewFSM(
		string(domain.StatePending),
		fsm.Events{
			{Name: evAccept, Src: []string{string(domain.StatePending)}, Dst: string(domain.StateConnecting)},
			{Name: evRinging, Src: []string{string(domain.StateConnecting)}, Dst: string(domain.StateRinging)},
			{Name: evOpen, Src: []string{string(domain.StateConnecting), string(domain.StateRinging)}, Dst: string(domain.StateOpen)},
			{Name: evReconnect, Src: []string{string(domain.StateOpen)}, Dst: string(domain.StateReconnecting)},
			{Name: evReconnected, Src: []string{string(domain.StateReconnecting)}, Dst: string(domain.StateOpen)},
			{Name: evClose, Src: []string{
				string(domain.StatePending), string(domain.StateConnecting), string(domain.StateRinging),
				string(domain.StateOpen), string(domain.StateReconnecting),
			}, Dst: string(domain.StateClosed)},
		},
		fsm.Callbacks{},
	)
	return c
}

// State returns the current lifecycle state.
func (c *Call) State() domain.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.CallState(c.machine.Current())
}

// Sid returns the gateway-visible call id.
func (c *Call) Sid() domain.CallID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id != "" {
		return c.id
	}
	return c.temporaryID
}

// Direction tells which side initiated the call.
func (c *Call) Direction() domain.Direction { return c.direction }

// Done is closed once the call reaches its terminal state.
func (c *Call) Done() <-chan struct{} { return c.done }

// Monitor exposes the call's quality monitor.
func (c *Call) Monitor() *QualityMonitor { return c.monitor }

// OnStateChange registers the state listener. Registration is rejected once
// teardown has begun so no listener can attach to a dying call.
func (c *Call) OnStateChange(fn func(domain.CallState)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tornDown {
		return domain.ErrCallClosed
	}
	c.onStateChange = fn
	return nil
}

// OnError registers the terminal-error listener.
func (c *Call) OnError(fn func(*domain.CallError)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tornDown {
		return domain.ErrCallClosed
	}
	c.onError = fn
	return nil
}

// OnWarning registers quality-warning listeners. Either may be nil.
func (c *Call) OnWarning(raised, cleared func(domain.Warning)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tornDown {
		return domain.ErrCallClosed
	}
	c.onWarningRaised = raised
	c.onWarningCleared = cleared
	return nil
}

// onQualityWarningRaised forwards monitor warnings to the application and
// feeds low-throughput warnings into the media recovery policy.
func (c *Call) onQualityWarningRaised(w domain.Warning) {
	c.mu.Lock()
	fn := c.onWarningRaised
	c.mu.Unlock()
	if fn != nil {
		fn(w)
	}
	if w.Threshold == "min" && (w.Stat == "bytesReceived" || w.Stat == "bytesSent") {
		go c.onMediaFailure(domain.FailureLowThroughput)
	}
}

func (c *Call) onQualityWarningCleared(w domain.Warning) {
	c.mu.Lock()
	fn := c.onWarningCleared
	c.mu.Unlock()
	if fn != nil {
		fn(w)
	}
}

// Accept starts the call: local media is acquired, the invite (outgoing) or
// answer (incoming) is sent, and the call moves to Open once both the remote
// acknowledgment and the engine's open notification have arrived, in either
// order. A second Accept is a no-op.
func (c *Call) Accept(ctx context.Context) error {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return domain.ErrCallClosed
	}
	if c.accepted {
		c.mu.Unlock()
		return nil
	}
	if c.machine.Current() != string(domain.StatePending) {
		c.mu.Unlock()
		return domain.ErrInvalidState
	}
	c.accepted = true
	c.setupStart = time.Now()
	c.machine.Event(ctx, evAccept)
	c.mu.Unlock()

	c.emitState(domain.StateConnecting)
	c.metrics.RecordCallStarted(c.direction)

	if err := c.engine.SetHandler(c.onMediaEvent); err != nil {
		cerr := domain.NewMediaAcquisitionError(c.Sid(), false, err)
		c.fail(cerr)
		return cerr
	}

	if err := c.engine.Open(ctx, domain.MediaConstraints{Audio: true}); err != nil {
		cerr, ok := err.(*domain.CallError)
		if !ok {
			cerr = domain.NewMediaAcquisitionError(c.Sid(), false, err)
		}
		c.logger.Errorw("media acquisition failed", "error", err)
		c.fail(cerr)
		return cerr
	}

	c.stream.Subscribe(c.Sid(), c)

	if c.direction == domain.DirectionOutgoing {
		sdp, err := c.engine.CreateOffer(ctx)
		if err != nil {
			cerr := domain.NewMediaAcquisitionError(c.Sid(), false, err)
			c.fail(cerr)
			return cerr
		}
		if err := c.stream.SendInvite(domain.InvitePayload{
			CallSid:   c.Sid(),
			SDP:       sdp,
			Preflight: c.preflight,
			Params:    c.params,
		}); err != nil {
			cerr := &domain.CallError{Code: domain.CodeConnectionError, CallSid: c.Sid(), Message: "failed to send invite", Cause: err}
			c.fail(cerr)
			return cerr
		}
	} else {
		sdp, err := c.engine.CreateAnswer(ctx, c.remoteSDP)
		if err != nil {
			cerr := domain.NewMediaAcquisitionError(c.Sid(), false, err)
			c.fail(cerr)
			return cerr
		}
		if err := c.stream.SendAnswer(domain.AnswerPayload{CallSid: c.Sid(), SDP: sdp}); err != nil {
			cerr := &domain.CallError{Code: domain.CodeConnectionError, CallSid: c.Sid(), Message: "failed to send answer", Cause: err}
			c.fail(cerr)
			return cerr
		}
		// Incoming calls have nothing further to wait for from signaling.
		c.mu.Lock()
		c.remoteAcked = true
		c.mu.Unlock()
	}

	c.monitor.Enable()
	c.mu.Lock()
	if !c.tornDown {
		c.warmupTimer = time.AfterFunc(c.cfg.WarmupDelay, c.monitor.EnableWarnings)
	}
	c.mu.Unlock()
	return nil
}

// Hangup ends the call. Locally initiated hangups send a hangup message
// unless the remote side already ended the call. A hangup on a closed call
// is a no-op.
func (c *Call) Hangup() error {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return nil
	}
	suppress := c.suppressHangup
	c.mu.Unlock()

	if !suppress {
		c.stream.SendHangup(domain.HangupPayload{CallSid: c.Sid()})
	}
	c.terminate(nil)
	return nil
}

// Reject declines a pending incoming call. It is invalid for outgoing calls
// and a no-op once closed.
func (c *Call) Reject() error {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return nil
	}
	if c.direction != domain.DirectionIncoming || c.machine.Current() != string(domain.StatePending) {
		c.mu.Unlock()
		return domain.ErrInvalidState
	}
	c.suppressHangup = true
	c.mu.Unlock()

	c.stream.SendReject(c.Sid())
	c.terminate(nil)
	return nil
}

// Mute toggles the local audio track.
func (c *Call) Mute(muted bool) error {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return domain.ErrCallClosed
	}
	c.mu.Unlock()
	return c.engine.Mute(muted)
}

const validDigits = "0123456789abcd*#w"

// SendDigits sends DTMF digits over signaling. Valid digits are 0-9, a-d,
// * # and w (pause). Sending is rate limited.
func (c *Call) SendDigits(digits string) error {
	if digits == "" {
		return domain.ErrInvalidDigits
	}
	for _, r := range strings.ToLower(digits) {
		if !strings.ContainsRune(validDigits, r) {
			return domain.ErrInvalidDigits
		}
	}

	c.mu.Lock()
	state := domain.CallState(c.machine.Current())
	c.mu.Unlock()
	if !state.Active() {
		return domain.ErrInvalidState
	}
	if !c.dtmfLimiter.Allow() {
		return &domain.CallError{Code: domain.CodeUnknown, CallSid: c.Sid(), Message: "dtmf rate limit exceeded"}
	}
	return c.stream.SendDTMF(c.Sid(), digits)
}

// OnRinging handles an inbound ringing message. Ringing outside the
// connecting state is out of order and dropped: the call already resolved.
func (c *Call) OnRinging(p domain.RingingPayload) {
	c.mu.Lock()
	if c.tornDown || c.machine.Current() != string(domain.StateConnecting) {
		c.mu.Unlock()
		return
	}
	if c.direction != domain.DirectionOutgoing {
		c.mu.Unlock()
		return
	}
	early := p.SDP != ""
	c.earlyMedia = early
	if !early && !c.cfg.EnableRingingState {
		c.mu.Unlock()
		c.logger.Debugw("ringing without early media, state unchanged")
		return
	}
	c.machine.Event(context.Background(), evRinging)
	c.mu.Unlock()

	c.logger.Infow("remote ringing", "early_media", early)
	c.emitState(domain.StateRinging)
}

// OnAnswer handles the remote answer. The first answer wins; later answers
// and answers outside connecting/ringing are no-ops.
func (c *Call) OnAnswer(p domain.AnswerPayload) {
	c.mu.Lock()
	cur := c.machine.Current()
	if c.tornDown || c.remoteAcked ||
		(cur != string(domain.StateConnecting) && cur != string(domain.StateRinging)) {
		c.mu.Unlock()
		return
	}
	c.remoteAcked = true
	c.mu.Unlock()

	if err := c.engine.AcceptAnswer(p.SDP); err != nil {
		c.logger.Errorw("failed to apply remote answer", "error", err)
		c.fail(&domain.CallError{Code: domain.CodeUnknown, CallSid: c.Sid(), Message: "failed to apply remote answer", Cause: err})
		return
	}
	c.logger.Infow("remote answered")
	c.maybeOpen()
}

// OnHangup handles a remote hangup: the outgoing hangup message is
// suppressed and the call is torn down.
func (c *Call) OnHangup(p domain.HangupPayload) {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return
	}
	c.suppressHangup = true
	c.mu.Unlock()

	c.logger.Infow("remote hangup", "message", p.Message)
	c.terminate(nil)
}

// OnCallError handles a gateway error scoped to this call.
func (c *Call) OnCallError(p domain.ErrorPayload) {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return
	}
	c.suppressHangup = true
	c.mu.Unlock()

	err := domain.NewSignalingError(c.Sid(), p.Error.Code, p.Error.Message)
	c.logger.Warnw("signaling error for call", "code", p.Error.Code, "message", p.Error.Message)
	c.fail(err)
}

// maybeOpen transitions to Open once both the remote acknowledgment and the
// engine open notification have arrived. The check is idempotent: the
// conditions are flags, not event counts, so duplicate notifications cannot
// fire the transition twice.
func (c *Call) maybeOpen() {
	c.mu.Lock()
	cur := c.machine.Current()
	ready := !c.tornDown && c.remoteAcked && c.engineOpen &&
		(cur == string(domain.StateConnecting) || cur == string(domain.StateRinging))
	if !ready {
		c.mu.Unlock()
		return
	}
	c.machine.Event(context.Background(), evOpen)
	setup := time.Since(c.setupStart)
	c.mu.Unlock()

	c.logger.Infow("call open", "setup", setup)
	c.metrics.RecordCallSetupDuration(setup.Seconds())
	c.emitState(domain.StateOpen)
}

// emitState delivers a state change to the listener outside the call lock.
func (c *Call) emitState(state domain.CallState) {
	c.mu.Lock()
	fn := c.onStateChange
	c.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// fail tears the call down with a terminal error.
func (c *Call) fail(err *domain.CallError) {
	c.terminate(err)
}

// terminate is the single idempotent teardown path. The tornDown guard
// ensures listeners detach exactly once and that no handler or listener can
// be attached after teardown begins.
func (c *Call) terminate(err *domain.CallError) {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return
	}
	c.tornDown = true
	c.machine.Event(context.Background(), evClose)
	if c.warmupTimer != nil {
		c.warmupTimer.Stop()
		c.warmupTimer = nil
	}
	onError := c.onError
	c.mu.Unlock()

	c.mediaRetry.Stop()
	c.monitor.Disable()
	c.engine.Close()
	c.stream.Unsubscribe(c.Sid())
	c.metrics.RecordCallEnded(domain.StateClosed)

	if err != nil {
		c.logger.Errorw("call failed", "code", err.Code, "error", err)
		if onError != nil {
			onError(err)
		}
	} else {
		c.logger.Infow("call closed")
	}
	c.emitState(domain.StateClosed)
	close(c.done)
}
