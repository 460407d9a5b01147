package services

import (
	"context"
	"time"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"
	"voicelink/pkg/tracing"
)

// onMediaEvent is the engine's event sink. It runs on engine goroutines.
func (c *Call) onMediaEvent(ev ports.MediaEvent) {
	switch ev.Kind {
	case ports.MediaOpened:
		c.mu.Lock()
		c.engineOpen = true
		c.mu.Unlock()
		c.maybeOpen()

	case ports.MediaReconnected:
		c.onMediaReconnected()

	case ports.MediaFailed:
		c.onMediaFailure(ev.Failure)

	case ports.MediaClosed:
		// Engine shutdown always ends the call, whatever state it is in.
		c.terminate(nil)

	case ports.MediaError:
		c.logger.Warnw("media engine error", "error", ev.Err)
	}
}

// onMediaReconnected returns the call to Open after a successful
// renegotiation. A reconnected report while already Open is a duplicate and
// ignored.
func (c *Call) onMediaReconnected() {
	c.mu.Lock()
	if c.tornDown || c.machine.Current() != string(domain.StateReconnecting) {
		c.mu.Unlock()
		return
	}
	c.machine.Event(context.Background(), evReconnected)
	elapsed := time.Since(c.recoveryStart)
	c.recoveryStart = time.Time{}
	c.mu.Unlock()

	c.mediaRetry.Cancel()
	c.monitor.EnableWarnings()
	c.logger.Infow("media recovered", "downtime", elapsed)
	c.emitState(domain.StateOpen)
}

// onMediaFailure applies the recovery policy. Recovery starts when the
// evidence says the path is really gone, not on a transient blip alone:
//
//   - a full connectivity cycle failed, or
//   - throughput stalled while the engine also reports disconnected, or
//   - the engine reports disconnected while a low-throughput warning is
//     already active.
//
// A lone disconnect or a lone throughput stall is logged and left to
// resolve itself. While already recovering, only an end-of-cycle failure is
// significant: it finishes the current attempt and schedules the next one.
func (c *Call) onMediaFailure(failure domain.MediaFailure) {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return
	}
	cur := domain.CallState(c.machine.Current())
	c.mu.Unlock()

	if cur == domain.StateReconnecting {
		if failure == domain.FailureConnectionFailed {
			c.retryOrAbandon()
		}
		return
	}
	if cur != domain.StateOpen {
		c.logger.Debugw("media failure before call open", "failure", failure)
		return
	}

	trigger := false
	switch failure {
	case domain.FailureConnectionFailed:
		trigger = true
	case domain.FailureLowThroughput:
		trigger = c.engine.ConnectionState() == domain.MediaConnDisconnected
	case domain.FailureDisconnected:
		trigger = c.monitor.HasLowThroughputWarning()
	case domain.FailureGatheringFailed:
		// Gathering problems surface before a usable pair exists; the cycle
		// itself will fail if no path comes up.
	}

	if !trigger {
		c.logger.Infow("media degraded, waiting for engine", "failure", failure)
		return
	}
	c.startRecovery(failure)
}

func (c *Call) startRecovery(failure domain.MediaFailure) {
	c.mu.Lock()
	if c.tornDown || c.machine.Current() != string(domain.StateOpen) {
		c.mu.Unlock()
		return
	}
	c.machine.Event(context.Background(), evReconnect)
	c.recoveryStart = time.Now()
	c.mu.Unlock()

	// Warnings raised by the dying path would only repeat what the failure
	// already said; they come back once the call reopens.
	c.monitor.DisableWarnings()
	c.mediaRetry.Reset()
	c.logger.Warnw("media failed, starting recovery", "failure", failure)
	c.emitState(domain.StateReconnecting)

	go c.attemptRenegotiation()
}

// attemptRenegotiation runs one ICE restart and reinvite round trip. The
// call returns to Open only when the engine itself reports reconnected; a
// successful answer exchange alone is not enough.
func (c *Call) attemptRenegotiation() {
	c.mu.Lock()
	if c.tornDown || c.machine.Current() != string(domain.StateReconnecting) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, span := tracing.TraceRecovery(context.Background(), string(c.Sid()), c.mediaRetry.Attempt())
	defer span.End()

	sdp, err := c.engine.RestartICE(ctx)
	if err != nil {
		c.logger.Warnw("ice restart failed", "error", err, "attempt", c.mediaRetry.Attempt())
		tracing.RecordError(ctx, err)
		c.retryOrAbandon()
		return
	}

	pending := c.stream.Reinvite(c.Sid(), sdp)
	go c.awaitReinvite(pending)
}

// awaitReinvite blocks on the pending renegotiation result. Coalesced
// waiters all observe the same outcome.
func (c *Call) awaitReinvite(p *ports.PendingReinvite) {
	select {
	case <-p.Done():
	case <-c.done:
		return
	}

	answer, err := p.Result()
	if err != nil {
		c.logger.Warnw("renegotiation rejected", "error", err)
		c.retryOrAbandon()
		return
	}

	c.mu.Lock()
	stale := c.tornDown || c.machine.Current() != string(domain.StateReconnecting)
	c.mu.Unlock()
	if stale {
		return
	}

	if err := c.engine.AcceptAnswer(answer); err != nil {
		c.logger.Warnw("failed to apply renegotiated answer", "error", err)
		c.retryOrAbandon()
		return
	}
	// Now wait for the engine's reconnected report.
}

// retryOrAbandon schedules the next renegotiation attempt, or gives up with
// a terminal media error once recovery has been running longer than the
// backoff ceiling.
func (c *Call) retryOrAbandon() {
	c.mu.Lock()
	if c.tornDown || c.machine.Current() != string(domain.StateReconnecting) {
		c.mu.Unlock()
		return
	}
	elapsed := time.Since(c.recoveryStart)
	c.mu.Unlock()

	if elapsed > c.cfg.MediaBackoff.MaxDelay {
		c.logger.Errorw("media recovery abandoned", "elapsed", elapsed)
		c.stream.SendHangup(domain.HangupPayload{CallSid: c.Sid(), Message: "media recovery failed"})
		c.fail(domain.NewMediaDisconnectedError(c.Sid()))
		return
	}

	delay := c.mediaRetry.Schedule(c.attemptRenegotiation)
	c.logger.Infow("renegotiation retry scheduled", "delay", delay, "attempt", c.mediaRetry.Attempt())
}
