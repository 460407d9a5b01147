package domain

import "encoding/json"

// ProtocolVersion is the signaling protocol version put on every envelope.
const ProtocolVersion = "1.6"

// Verb is the message type carried in the signaling envelope.
type Verb string

const (
	VerbListen   Verb = "listen"
	VerbRegister Verb = "register"
	VerbInvite   Verb = "invite"
	VerbAnswer   Verb = "answer"
	VerbRinging  Verb = "ringing"
	VerbHangup   Verb = "hangup"
	VerbReject   Verb = "reject"
	VerbDTMF     Verb = "dtmf"
	VerbReinvite Verb = "reinvite"
	VerbError    Verb = "error"
	VerbClose    Verb = "close"
)

// KnownVerb reports whether v belongs to the closed protocol verb set.
func KnownVerb(v Verb) bool {
	switch v {
	case VerbListen, VerbRegister, VerbInvite, VerbAnswer, VerbRinging,
		VerbHangup, VerbReject, VerbDTMF, VerbReinvite, VerbError, VerbClose:
		return true
	}
	return false
}

// Envelope is the wire frame for every signaling message.
type Envelope struct {
	Type    Verb            `json:"type"`
	Version string          `json:"version"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ListenPayload struct {
	Token          string            `json:"token"`
	ClientMetadata map[string]string `json:"clientMetadata,omitempty"`
}

type RegisterPayload struct {
	Media struct {
		Audio bool `json:"audio"`
	} `json:"media"`
}

type InvitePayload struct {
	CallSid   CallID            `json:"callsid"`
	SDP       string            `json:"sdp"`
	Preflight bool              `json:"preflight"`
	Params    map[string]string `json:"params,omitempty"`
}

type AnswerPayload struct {
	CallSid CallID `json:"callsid"`
	SDP     string `json:"sdp"`
}

type RingingPayload struct {
	CallSid CallID `json:"callsid"`
	SDP     string `json:"sdp,omitempty"`
}

type HangupPayload struct {
	CallSid CallID `json:"callsid"`
	Message string `json:"message,omitempty"`
}

type RejectPayload struct {
	CallSid CallID `json:"callsid"`
}

type DTMFPayload struct {
	CallSid CallID `json:"callsid"`
	Digits  string `json:"dtmf"`
}

type ReinvitePayload struct {
	CallSid CallID `json:"callsid"`
	SDP     string `json:"sdp"`
}

type ErrorPayload struct {
	CallSid CallID `json:"callsid,omitempty"`
	Error   struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
