package domain

import "time"

// CallID identifies a call on the wire. Outgoing calls carry a temporary
// client-side id until the gateway assigns the real callsid.
type CallID string

// Direction tells which side initiated the call.
type Direction int

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
)

func (d Direction) String() string {
	if d == DirectionIncoming {
		return "incoming"
	}
	return "outgoing"
}

// CallState is the lifecycle state of a call session.
type CallState string

const (
	StatePending      CallState = "pending"
	StateConnecting   CallState = "connecting"
	StateRinging      CallState = "ringing"
	StateOpen         CallState = "open"
	StateReconnecting CallState = "reconnecting"
	StateClosed       CallState = "closed"
)

// Active reports whether media is (or is being) established for this state.
func (s CallState) Active() bool {
	switch s {
	case StateConnecting, StateRinging, StateOpen, StateReconnecting:
		return true
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (s CallState) Terminal() bool {
	return s == StateClosed
}

// CallInfo is the immutable identity of a call session.
type CallInfo struct {
	ID          CallID
	TemporaryID CallID
	Direction   Direction
	Params      map[string]string
	CreatedAt   time.Time
}

// Sid returns the gateway-assigned id when known, the temporary id otherwise.
func (c CallInfo) Sid() CallID {
	if c.ID != "" {
		return c.ID
	}
	return c.TemporaryID
}

// MediaConnState mirrors the connectivity state reported by the media engine.
type MediaConnState int

const (
	MediaConnNew MediaConnState = iota
	MediaConnConnecting
	MediaConnConnected
	MediaConnDisconnected
	MediaConnFailed
	MediaConnClosed
)

func (s MediaConnState) String() string {
	switch s {
	case MediaConnNew:
		return "new"
	case MediaConnConnecting:
		return "connecting"
	case MediaConnConnected:
		return "connected"
	case MediaConnDisconnected:
		return "disconnected"
	case MediaConnFailed:
		return "failed"
	case MediaConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MediaFailure classifies the coarse failure signals the media engine emits.
type MediaFailure int

const (
	// FailureDisconnected: connectivity dropped but the ICE cycle is still running.
	FailureDisconnected MediaFailure = iota
	// FailureConnectionFailed: one full connectivity cycle ended without a pair.
	FailureConnectionFailed
	// FailureGatheringFailed: candidate gathering did not complete.
	FailureGatheringFailed
	// FailureLowThroughput: traffic counters stalled while nominally connected.
	FailureLowThroughput
)

func (f MediaFailure) String() string {
	switch f {
	case FailureDisconnected:
		return "disconnected"
	case FailureConnectionFailed:
		return "connection-failed"
	case FailureGatheringFailed:
		return "gathering-failed"
	case FailureLowThroughput:
		return "low-throughput"
	default:
		return "unknown"
	}
}

// MediaConstraints selects local media for a call. Audio-only for now.
type MediaConstraints struct {
	Audio bool
}
