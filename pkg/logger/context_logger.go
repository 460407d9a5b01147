package logger

import (
	"go.uber.org/zap"
)

// ForCall returns a sugared logger tagged with the call identity so every
// line from a session carries the sid without the call site repeating it.
func ForCall(base *zap.Logger, callSid, direction string) *zap.SugaredLogger {
	return base.Sugar().With("call_sid", callSid, "direction", direction)
}

// ForTransport returns a sugared logger tagged with the signaling endpoint.
func ForTransport(base *zap.Logger, endpoint string) *zap.SugaredLogger {
	return base.Sugar().With("endpoint", endpoint)
}

// ForComponent returns a sugared logger tagged with a component name.
func ForComponent(base *zap.Logger, component string) *zap.SugaredLogger {
	return base.Sugar().With("component", component)
}
