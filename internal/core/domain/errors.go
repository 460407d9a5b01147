package domain

import (
	"errors"
	"fmt"
)

// Usage errors: returned synchronously from call sites that misuse the API.
var (
	ErrCallClosed     = errors.New("call is closed")
	ErrInvalidState   = errors.New("operation not valid in current call state")
	ErrInvalidDigits  = errors.New("dtmf digits contain invalid characters")
	ErrClientClosed   = errors.New("client is closed")
	ErrMissingToken   = errors.New("access token is required")
	ErrMissingCallSid = errors.New("callsid is required")
	ErrCallNotFound   = errors.New("call record not found")
)

// ErrorCode is a stable numeric code for errors surfaced to the application.
// Codes in the 312xx range originate from the signaling gateway; 310xx and
// 530xx are generated client-side.
type ErrorCode int

const (
	CodeUnknown            ErrorCode = 31000
	CodeConnectionError    ErrorCode = 31005
	CodeTokenInvalid       ErrorCode = 31204
	CodeTokenExpired       ErrorCode = 31205
	CodeCallCancelled      ErrorCode = 31008
	CodeMediaDisconnected  ErrorCode = 53405
	CodePermissionDenied   ErrorCode = 31401
	CodeAcquisitionFailed  ErrorCode = 31402
	CodeSignalingMalformed ErrorCode = 31100
)

// CallError is an error attributable to a call or to the client as a whole.
type CallError struct {
	Code    ErrorCode
	CallSid CallID
	Message string
	Cause   error
}

func (e *CallError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%d: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

func (e *CallError) Unwrap() error { return e.Cause }

// Temporary reports whether the error class is recovered automatically
// (retry/backoff) rather than terminating the call.
func (e *CallError) Temporary() bool {
	return e.Code == CodeConnectionError
}

// NewMediaAcquisitionError distinguishes a denied permission from a generic
// device acquisition failure; both terminate the call attempt.
func NewMediaAcquisitionError(callSid CallID, permissionDenied bool, cause error) *CallError {
	if permissionDenied {
		return &CallError{
			Code:    CodePermissionDenied,
			CallSid: callSid,
			Message: "microphone permission denied",
			Cause:   cause,
		}
	}
	return &CallError{
		Code:    CodeAcquisitionFailed,
		CallSid: callSid,
		Message: "failed to acquire local audio",
		Cause:   cause,
	}
}

// NewMediaDisconnectedError is the terminal error raised when connectivity
// recovery is exhausted.
func NewMediaDisconnectedError(callSid CallID) *CallError {
	return &CallError{
		Code:    CodeMediaDisconnected,
		CallSid: callSid,
		Message: "media connection failed and could not be restored",
	}
}

// NewSignalingError wraps a gateway-reported error payload.
func NewSignalingError(callSid CallID, code int, message string) *CallError {
	c := ErrorCode(code)
	if code == 0 {
		c = CodeUnknown
	}
	return &CallError{Code: c, CallSid: callSid, Message: message}
}

// IsTokenExpired reports whether err is the gateway's expired-credential error.
func IsTokenExpired(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Code == CodeTokenExpired
}
