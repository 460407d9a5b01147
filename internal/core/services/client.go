package services

import (
	"context"
	"sync"
	"time"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"
	"voicelink/pkg/backoff"
	"voicelink/pkg/tracing"

	"go.uber.org/zap"
)

// ClientState is the registration state of the client as a whole.
type ClientState int

const (
	ClientOffline ClientState = iota
	ClientConnecting
	ClientReady
	ClientClosed
)

func (s ClientState) String() string {
	switch s {
	case ClientConnecting:
		return "connecting"
	case ClientReady:
		return "ready"
	case ClientClosed:
		return "closed"
	default:
		return "offline"
	}
}

// SignalingConn is the stream plus its lifecycle, as the client drives it.
type SignalingConn interface {
	ports.SignalingStream
	Open()
	Close()
}

// TokenProvider returns a fresh access token. It is consulted on every
// connect and whenever the gateway reports the current token expired.
type TokenProvider func(ctx context.Context) (string, error)

// EngineFactory builds one media engine per call.
type EngineFactory func() (ports.MediaEngine, error)

// ClientConfig holds client-level policy.
type ClientConfig struct {
	ClientID string
	Metadata map[string]string
	// RegistrationInterval paces the periodic register refresh that keeps
	// the gateway's presence record warm.
	RegistrationInterval time.Duration
	// LoginBackoff paces login retries when the token provider fails while
	// the transport itself is healthy.
	LoginBackoff backoff.Config
	Audio        bool
	Call         CallConfig
}

// DefaultClientConfig returns client policy defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RegistrationInterval: 30 * time.Second,
		LoginBackoff: backoff.Config{
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			JitterFactor: 0.4,
		},
		Audio: true,
		Call:  DefaultCallConfig(),
	}
}

// Client owns the signaling stream and the set of live call sessions. It
// authenticates the stream after every reconnect, keeps the registration
// fresh, routes inbound invites to the application, and tears everything
// down on close.
type Client struct {
	cfg       ClientConfig
	stream    SignalingConn
	newEngine EngineFactory
	token     TokenProvider
	logger    *zap.SugaredLogger
	zlog      *zap.Logger
	metrics   ports.MetricsSink

	loginRetry *backoff.Scheduler

	mu         sync.Mutex
	state      ClientState
	calls      map[domain.CallID]*Call
	onIncoming func(*Call)
	onState    func(ClientState)
	onError    func(*domain.CallError)
	regStop    chan struct{}

	closeOnce sync.Once
}

// NewClient wires a client over an opened-later signaling stream. The stream
// must have been constructed with this client as its message handler.
func NewClient(cfg ClientConfig, newEngine EngineFactory, token TokenProvider, logger *zap.Logger, metrics ports.MetricsSink) *Client {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Client{
		cfg:        cfg,
		newEngine:  newEngine,
		token:      token,
		logger:     logger.Sugar().With("component", "client", "client_id", cfg.ClientID),
		zlog:       logger,
		metrics:    metrics,
		loginRetry: backoff.NewScheduler(cfg.LoginBackoff),
		calls:      make(map[domain.CallID]*Call),
	}
}

// Bind attaches the signaling stream. Separate from NewClient because the
// stream needs the client as its handler before it can be built.
func (c *Client) Bind(stream SignalingConn) { c.stream = stream }

// Connect opens the transport. Authentication happens in OnConnected once
// the socket is up, and again after every reconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == ClientClosed {
		c.mu.Unlock()
		return domain.ErrClientClosed
	}
	c.state = ClientConnecting
	c.mu.Unlock()

	_, span := tracing.TraceConnect(ctx, c.cfg.ClientID)
	defer span.End()

	c.emitState(ClientConnecting)
	c.stream.Open()
	return nil
}

// Dial starts an outgoing call and accepts it immediately.
func (c *Client) Dial(ctx context.Context, params OutgoingParams) (*Call, error) {
	c.mu.Lock()
	if c.state == ClientClosed {
		c.mu.Unlock()
		return nil, domain.ErrClientClosed
	}
	c.mu.Unlock()

	engine, err := c.newEngine()
	if err != nil {
		return nil, err
	}
	call := NewOutgoingCall(c.cfg.Call, c.stream, engine, c.zlog, c.metrics, params)
	c.track(call)

	if err := call.Accept(ctx); err != nil {
		return nil, err
	}
	return call, nil
}

// OnIncoming registers the inbound-call listener. Without one, invites are
// rejected.
func (c *Client) OnIncoming(fn func(*Call)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onIncoming = fn
}

// OnStateChange registers the client-state listener.
func (c *Client) OnStateChange(fn func(ClientState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// OnError registers the listener for client-level signaling errors.
func (c *Client) OnError(fn func(*domain.CallError)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// State returns the current client state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ActiveCalls snapshots the live sessions.
func (c *Client) ActiveCalls() []*Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Call, 0, len(c.calls))
	for _, call := range c.calls {
		out = append(out, call)
	}
	return out
}

// Close hangs up every live call and shuts the stream down. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = ClientClosed
		c.stopRegistrationLocked()
		calls := make([]*Call, 0, len(c.calls))
		for _, call := range c.calls {
			calls = append(calls, call)
		}
		c.mu.Unlock()

		c.loginRetry.Stop()
		for _, call := range calls {
			call.Hangup()
		}
		c.stream.Close()
		c.logger.Infow("client closed")
		c.emitState(ClientClosed)
	})
}

// OnConnected authenticates the fresh connection: listen first so the
// gateway sees every later message on an authenticated stream, then
// register. Runs after every reconnect.
func (c *Client) OnConnected() {
	go c.login()
}

func (c *Client) login() {
	c.mu.Lock()
	if c.state == ClientClosed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tok, err := c.token(ctx)
	if err != nil {
		c.logger.Errorw("token fetch failed", "error", err)
		c.emitError(&domain.CallError{Code: domain.CodeTokenInvalid, Message: "token fetch failed", Cause: err})
		c.scheduleRelogin()
		return
	}
	if tok == "" {
		c.logger.Errorw("token provider returned empty token")
		c.emitError(&domain.CallError{Code: domain.CodeTokenInvalid, Message: domain.ErrMissingToken.Error()})
		c.scheduleRelogin()
		return
	}

	if err := c.stream.SendListen(tok, c.cfg.Metadata); err != nil {
		c.logger.Errorw("listen failed", "error", err)
		return
	}
	if err := c.stream.SendRegister(c.cfg.Audio); err != nil {
		c.logger.Errorw("register failed", "error", err)
		return
	}

	c.mu.Lock()
	if c.state == ClientClosed {
		c.mu.Unlock()
		return
	}
	c.state = ClientReady
	c.startRegistrationLocked()
	c.mu.Unlock()

	c.loginRetry.Reset()
	c.logger.Infow("client registered")
	c.emitState(ClientReady)
}

// scheduleRelogin retries login after a backoff: the transport is healthy,
// so nothing else would trigger another attempt until it happens to drop.
func (c *Client) scheduleRelogin() {
	c.mu.Lock()
	skip := c.state == ClientClosed || c.state == ClientOffline
	c.mu.Unlock()
	if skip {
		// Offline means the transport is down; its reconnect runs login.
		return
	}
	delay := c.loginRetry.Schedule(c.login)
	c.logger.Warnw("login retry scheduled", "delay", delay)
}

// OnOffline marks the client unregistered. Live calls keep their media; the
// stream queues their signaling until the transport comes back.
func (c *Client) OnOffline() {
	c.mu.Lock()
	if c.state == ClientClosed {
		c.mu.Unlock()
		return
	}
	c.state = ClientOffline
	c.stopRegistrationLocked()
	c.mu.Unlock()

	c.loginRetry.Cancel()
	c.logger.Warnw("signaling offline")
	c.emitState(ClientOffline)
}

// OnInvite builds an incoming call session and hands it to the application.
func (c *Client) OnInvite(p domain.InvitePayload) {
	c.mu.Lock()
	if c.state == ClientClosed {
		c.mu.Unlock()
		return
	}
	if _, dup := c.calls[p.CallSid]; dup {
		c.mu.Unlock()
		c.logger.Warnw("duplicate invite ignored", "call_sid", p.CallSid)
		return
	}
	accept := c.onIncoming
	c.mu.Unlock()

	if accept == nil {
		c.logger.Infow("no incoming-call listener, rejecting", "call_sid", p.CallSid)
		c.stream.SendReject(p.CallSid)
		return
	}

	engine, err := c.newEngine()
	if err != nil {
		c.logger.Errorw("media engine unavailable for invite", "error", err)
		c.stream.SendReject(p.CallSid)
		return
	}

	call := NewIncomingCall(c.cfg.Call, c.stream, engine, c.zlog, c.metrics, p)
	c.track(call)
	c.logger.Infow("incoming call", "call_sid", p.CallSid)
	accept(call)
}

// OnClientError handles gateway errors not scoped to a live call. An
// expired token triggers a re-login with a fresh one.
func (c *Client) OnClientError(p domain.ErrorPayload) {
	err := domain.NewSignalingError(p.CallSid, p.Error.Code, p.Error.Message)
	c.logger.Warnw("client error from gateway", "code", p.Error.Code, "message", p.Error.Message)

	if domain.IsTokenExpired(err) {
		c.mu.Lock()
		closed := c.state == ClientClosed
		c.stopRegistrationLocked()
		c.mu.Unlock()
		if !closed {
			c.logger.Infow("token expired, re-authenticating")
			go c.login()
		}
		return
	}
	c.emitError(err)
}

// OnServerClose handles a gateway-initiated close: the server asked us to
// go away, so no reconnect follows.
func (c *Client) OnServerClose() {
	c.logger.Infow("gateway requested close")
	c.Close()
}

// track registers a call and reaps it when it ends.
func (c *Client) track(call *Call) {
	sid := call.Sid()
	c.mu.Lock()
	c.calls[sid] = call
	c.mu.Unlock()

	go func() {
		<-call.Done()
		c.mu.Lock()
		delete(c.calls, sid)
		c.mu.Unlock()
	}()
}

// startRegistrationLocked begins the periodic register refresh. Caller holds mu.
func (c *Client) startRegistrationLocked() {
	if c.regStop != nil || c.cfg.RegistrationInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	c.regStop = stop

	go func() {
		ticker := time.NewTicker(c.cfg.RegistrationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.stream.SendRegister(c.cfg.Audio); err != nil {
					c.logger.Warnw("registration refresh failed", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// stopRegistrationLocked stops the refresh loop. Caller holds mu.
func (c *Client) stopRegistrationLocked() {
	if c.regStop != nil {
		close(c.regStop)
		c.regStop = nil
	}
}

func (c *Client) emitState(s ClientState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *Client) emitError(err *domain.CallError) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
