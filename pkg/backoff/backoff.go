// Package backoff computes jittered exponential retry delays and schedules
// cancellable retry timers. It is used by the signaling transport for
// reconnects and by call sessions for media renegotiation attempts.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Config holds backoff policy parameters.
type Config struct {
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // cap for the computed delay
	Multiplier   float64       // exponential growth factor (typically 2.0)
	JitterFactor float64       // multiplicative jitter, 0.4 means +/-40%
}

// DefaultConfig returns the policy used for transport reconnects.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     20 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.4,
	}
}

// MediaConfig returns the tighter policy used for media renegotiation.
func MediaConfig() Config {
	return Config{
		InitialDelay: 300 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.4,
	}
}

// Next computes the delay for the given attempt (0-based), capped at
// MaxDelay, with multiplicative jitter applied.
func (c Config) Next(attempt int) time.Duration {
	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if c.JitterFactor > 0 {
		delay += delay * c.JitterFactor * (rand.Float64()*2 - 1)
		if delay < 0 {
			delay = 0
		}
	}
	return time.Duration(delay)
}

// base is Next without jitter; used for monotonicity checks.
func (c Config) base(attempt int) time.Duration {
	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	return time.Duration(delay)
}

// Scheduler tracks the attempt counter and fires a callback after the
// current delay. A pending fire can be cancelled; firing increments the
// attempt so the next schedule waits longer.
type Scheduler struct {
	cfg Config

	mu      sync.Mutex
	attempt int
	timer   *time.Timer
	stopped bool
}

// NewScheduler returns a scheduler starting at attempt 0.
func NewScheduler(cfg Config) *Scheduler {
	return &Scheduler{cfg: cfg}
}

// Attempt returns the current attempt counter.
func (s *Scheduler) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Delay returns the delay the next Schedule call will wait.
func (s *Scheduler) Delay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Next(s.attempt)
}

// Schedule fires fn once after the current delay, then increments the
// attempt counter. Any previously pending fire is cancelled first. Returns
// the delay that was scheduled.
func (s *Scheduler) Schedule(fn func()) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	delay := s.cfg.Next(s.attempt)
	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		s.attempt++
		s.timer = nil
		s.mu.Unlock()
		fn()
	})
	return delay
}

// Cancel stops a pending fire without resetting the attempt counter.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Reset cancels any pending fire and returns the attempt counter to 0.
// Called when a connection has been judged durably successful.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.attempt = 0
}

// Stop cancels any pending fire and prevents all future scheduling.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.stopped = true
}
