package ports

import (
	"sync"

	"voicelink/internal/core/domain"
)

// CallMessageHandler is the closed set of per-call signaling messages a
// session can receive. Sessions register one handler per callsid; the stream
// dispatches inbound payloads to it.
type CallMessageHandler interface {
	OnRinging(domain.RingingPayload)
	OnAnswer(domain.AnswerPayload)
	OnHangup(domain.HangupPayload)
	OnCallError(domain.ErrorPayload)
}

// ClientMessageHandler receives messages not scoped to a single call.
type ClientMessageHandler interface {
	OnConnected()
	OnOffline()
	OnInvite(domain.InvitePayload)
	OnClientError(domain.ErrorPayload)
	OnServerClose()
}

// SignalingStream is what sessions and the client need from the protocol
// multiplexer. One stream is shared by all sessions of a client; sessions
// only subscribe and unsubscribe call-scoped handlers on it.
type SignalingStream interface {
	SendListen(token string, metadata map[string]string) error
	SendRegister(audio bool) error
	SendInvite(p domain.InvitePayload) error
	SendAnswer(p domain.AnswerPayload) error
	SendRinging(p domain.RingingPayload) error
	SendHangup(p domain.HangupPayload) error
	SendReject(callSid domain.CallID) error
	SendDTMF(callSid domain.CallID, digits string) error

	// Reinvite sends a renegotiation request for callSid. A second request
	// for the same callsid while one is in flight returns the same pending
	// result and sends no additional wire message.
	Reinvite(callSid domain.CallID, sdp string) *PendingReinvite

	Subscribe(callSid domain.CallID, h CallMessageHandler)
	Unsubscribe(callSid domain.CallID)
}

// PendingReinvite is the single-resolution future for a renegotiation
// request. Waiters select on Done and then read Result; resolution happens
// exactly once even if both a success and a failure response arrive.
type PendingReinvite struct {
	done chan struct{}
	once sync.Once
	sdp  string
	err  error
}

// NewPendingReinvite returns an unresolved pending result.
func NewPendingReinvite() *PendingReinvite {
	return &PendingReinvite{done: make(chan struct{})}
}

// Done is closed when the request has resolved.
func (p *PendingReinvite) Done() <-chan struct{} { return p.done }

// Result returns the answer SDP or the failure. Only valid after Done.
func (p *PendingReinvite) Result() (string, error) { return p.sdp, p.err }

// Resolve completes the request successfully. Later calls are no-ops.
func (p *PendingReinvite) Resolve(sdp string) {
	p.once.Do(func() {
		p.sdp = sdp
		close(p.done)
	})
}

// Fail completes the request with an error. Later calls are no-ops.
func (p *PendingReinvite) Fail(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Resolved reports whether the request has completed.
func (p *PendingReinvite) Resolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
