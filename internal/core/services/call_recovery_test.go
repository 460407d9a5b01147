package services

import (
	"testing"
	"time"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionFailedTriggersRecovery(t *testing.T) {
	call, stream, engine := newOutgoingForTest(t, testCallConfig())
	openCall(t, call, stream, engine)

	engine.emit(ports.MediaEvent{Kind: ports.MediaFailed, Failure: domain.FailureConnectionFailed})
	assert.Equal(t, domain.StateReconnecting, call.State())

	// The renegotiation round trip: ICE restart, then a reinvite on the wire.
	require.Eventually(t, func() bool {
		return stream.sentCount(domain.VerbReinvite) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, engine.restartCount())
}

func TestLoneDisconnectDoesNotTriggerRecovery(t *testing.T) {
	call, stream, engine := newOutgoingForTest(t, testCallConfig())
	openCall(t, call, stream, engine)

	engine.emit(ports.MediaEvent{Kind: ports.MediaFailed, Failure: domain.FailureDisconnected})
	assert.Equal(t, domain.StateOpen, call.State())
	assert.Zero(t, stream.sentCount(domain.VerbReinvite))
}

func TestDisconnectWithLowThroughputWarningTriggersRecovery(t *testing.T) {
	call, stream, engine := newOutgoingForTest(t, testCallConfig())
	openCall(t, call, stream, engine)

	// A stalled-traffic warning is already active when the disconnect lands.
	m := call.Monitor()
	m.EnableWarnings()
	m.mu.Lock()
	m.active["bytesReceived:min"] = domain.Warning{Stat: "bytesReceived", Threshold: "min", RaisedAt: time.Now()}
	m.mu.Unlock()

	engine.emit(ports.MediaEvent{Kind: ports.MediaFailed, Failure: domain.FailureDisconnected})
	assert.Equal(t, domain.StateReconnecting, call.State())
}

func TestLowThroughputNeedsDisconnectedEngine(t *testing.T) {
	call, stream, engine := newOutgoingForTest(t, testCallConfig())
	openCall(t, call, stream, engine)

	engine.setConnState(domain.MediaConnConnected)
	engine.emit(ports.MediaEvent{Kind: ports.MediaFailed, Failure: domain.FailureLowThroughput})
	assert.Equal(t, domain.StateOpen, call.State())

	engine.setConnState(domain.MediaConnDisconnected)
	engine.emit(ports.MediaEvent{Kind: ports.MediaFailed, Failure: domain.FailureLowThroughput})
	assert.Equal(t, domain.StateReconnecting, call.State())
	_ = stream
}

func TestGatheringFailureAloneIsIgnored(t *testing.T) {
	call, stream, engine := newOutgoingForTest(t, testCallConfig())
	openCall(t, call, stream, engine)

	engine.emit(ports.MediaEvent{Kind: ports.MediaFailed, Failure: domain.FailureGatheringFailed})
	assert.Equal(t, domain.StateOpen, call.State())
	assert.Zero(t, stream.sentCount(domain.VerbReinvite))
}

func TestRecoveryCompletesOnEngineReconnect(t *testing.T) {
	call, stream, engine := newOutgoingForTest(t, testCallConfig())
	openCall(t, call, stream, engine)

	states := make(chan domain.CallState, 16)
	require.NoError(t, call.OnStateChange(func(s domain.CallState) { states <- s }))

	engine.emit(ports.MediaEvent{Kind: ports.MediaFailed, Failure: domain.FailureConnectionFailed})
	require.Eventually(t, func() bool {
		return stream.sentCount(domain.VerbReinvite) == 1
	}, time.Second, time.Millisecond)

	// The gateway's answer completes the exchange.
	stream.lastPending().Resolve("v=0 renegotiated-answer")
	require.Eventually(t, func() bool {
		return engine.acceptCount() == 2 // initial answer + renegotiated one
	}, time.Second, time.Millisecond)

	// A resolved answer is not enough: still reconnecting.
	assert.Equal(t, domain.StateReconnecting, call.State())

	engine.emit(ports.MediaEvent{Kind: ports.MediaReconnected})
	assert.Equal(t, domain.StateOpen, call.State())

	var seen []domain.CallState
	for len(states) > 0 {
		seen = append(seen, <-states)
	}
	assert.Equal(t, []domain.CallState{domain.StateReconnecting, domain.StateOpen}, seen)
}

func TestRecoveryRetriesAfterRejectedReinvite(t *testing.T) {
	call, stream, engine := newOutgoingForTest(t, testCallConfig())
	openCall(t, call, stream, engine)

	engine.emit(ports.MediaEvent{Kind: ports.MediaFailed, Failure: domain.FailureConnectionFailed})
	require.Eventually(t, func() bool {
		return stream.sentCount(domain.VerbReinvite) == 1
	}, time.Second, time.Millisecond)

	stream.lastPending().Fail(domain.NewSignalingError(call.Sid(), int(domain.CodeUnknown), "try again"))

	// A second attempt follows after the backoff delay.
	require.Eventually(t, func() bool {
		return stream.sentCount(domain.VerbReinvite) == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, domain.StateReconnecting, call.State())
}

func TestRecoveryAbandonedAfterBackoffCeiling(t *testing.T) {
	cfg := testCallConfig()
	cfg.MediaBackoff.MaxDelay = 30 * time.Millisecond
	call, stream, engine := newOutgoingForTest(t, cfg)
	openCall(t, call, stream, engine)

	var terminal *domain.CallError
	errCh := make(chan *domain.CallError, 1)
	require.NoError(t, call.OnError(func(err *domain.CallError) { errCh <- err }))

	engine.emit(ports.MediaEvent{Kind: ports.MediaFailed, Failure: domain.FailureConnectionFailed})
	require.Eventually(t, func() bool {
		return stream.sentCount(domain.VerbReinvite) == 1
	}, time.Second, time.Millisecond)

	// By the time the gateway finally rejects, recovery has outlived the
	// backoff ceiling.
	time.Sleep(50 * time.Millisecond)
	stream.lastPending().Fail(domain.NewSignalingError(call.Sid(), int(domain.CodeUnknown), "no"))

	select {
	case terminal = <-errCh:
	case <-time.After(time.Second):
		t.Fatal("recovery was not abandoned")
	}

	assert.Equal(t, domain.CodeMediaDisconnected, terminal.Code)
	assert.Equal(t, domain.StateClosed, call.State())

	hangups := stream.sent(domain.VerbHangup)
	require.Len(t, hangups, 1)
	assert.Equal(t, "media recovery failed", hangups[0].payload.(domain.HangupPayload).Message)
}

func TestEndOfCycleFailureWhileRecoveringSchedulesRetry(t *testing.T) {
	call, stream, engine := newOutgoingForTest(t, testCallConfig())
	openCall(t, call, stream, engine)

	engine.emit(ports.MediaEvent{Kind: ports.MediaFailed, Failure: domain.FailureConnectionFailed})
	require.Eventually(t, func() bool {
		return stream.sentCount(domain.VerbReinvite) == 1
	}, time.Second, time.Millisecond)

	// Disconnect reports during recovery are noise; a failed cycle retries.
	engine.emit(ports.MediaEvent{Kind: ports.MediaFailed, Failure: domain.FailureDisconnected})
	assert.Equal(t, 1, stream.sentCount(domain.VerbReinvite))

	engine.emit(ports.MediaEvent{Kind: ports.MediaFailed, Failure: domain.FailureConnectionFailed})
	require.Eventually(t, func() bool {
		return stream.sentCount(domain.VerbReinvite) == 2
	}, time.Second, time.Millisecond)
}
