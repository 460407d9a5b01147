package ports

import (
	"context"

	"voicelink/internal/core/domain"
)

// MediaEventKind enumerates the closed set of events a media engine reports.
type MediaEventKind int

const (
	// MediaOpened: the engine reached its connected state for the first time.
	MediaOpened MediaEventKind = iota
	// MediaReconnected: connectivity was restored after a failure.
	MediaReconnected
	// MediaFailed: a connectivity failure, classified by Failure.
	MediaFailed
	// MediaClosed: the engine shut down; always terminal for the call.
	MediaClosed
	// MediaError: an engine-internal error not tied to connectivity.
	MediaError
)

// MediaEvent is the tagged union delivered by the media engine.
type MediaEvent struct {
	Kind    MediaEventKind
	Failure domain.MediaFailure // valid when Kind == MediaFailed
	Err     error               // valid when Kind == MediaError
}

// MediaHandler receives engine events. Handlers run on the engine's event
// goroutine and must not block.
type MediaHandler func(MediaEvent)

// MediaEngine is the capability surface a call session needs from the
// host-provided media stack. Implementations own capture, encoding and the
// transport of audio; the session only drives lifecycle and renegotiation.
type MediaEngine interface {
	// Open acquires local media and prepares the connection. It returns a
	// *domain.CallError with a media-acquisition code on failure.
	Open(ctx context.Context, constraints domain.MediaConstraints) error

	// CreateOffer returns a local SDP offer for call setup.
	CreateOffer(ctx context.Context) (string, error)
	// CreateAnswer applies the remote offer and returns a local SDP answer.
	CreateAnswer(ctx context.Context, remoteSDP string) (string, error)
	// AcceptAnswer applies the remote answer to a previously created offer.
	AcceptAnswer(remoteSDP string) error

	// RestartICE begins a new connectivity cycle and returns the
	// renegotiation offer to send to the remote side.
	RestartICE(ctx context.Context) (string, error)

	Mute(muted bool) error
	ConnectionState() domain.MediaConnState
	StatsSnapshot() (domain.StatsSnapshot, error)

	// SetHandler installs the event handler. Must be called before Open and
	// is rejected once the engine has been closed.
	SetHandler(h MediaHandler) error

	Close() error
}
