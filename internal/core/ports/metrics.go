package ports

import "voicelink/internal/core/domain"

// MetricsSink decouples core services from the Prometheus collector.
type MetricsSink interface {
	RecordTransportConnected()
	RecordTransportReconnect()
	RecordMessageSent(verb domain.Verb)
	RecordMessageReceived(verb domain.Verb)

	RecordCallStarted(direction domain.Direction)
	RecordCallEnded(state domain.CallState)
	RecordCallSetupDuration(seconds float64)

	RecordSample(s domain.Sample)
	RecordWarningRaised(stat, threshold string)
	RecordWarningCleared(stat, threshold string)
}

// NopMetrics is a MetricsSink that discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordTransportConnected()                  {}
func (NopMetrics) RecordTransportReconnect()                  {}
func (NopMetrics) RecordMessageSent(domain.Verb)              {}
func (NopMetrics) RecordMessageReceived(domain.Verb)          {}
func (NopMetrics) RecordCallStarted(domain.Direction)         {}
func (NopMetrics) RecordCallEnded(domain.CallState)           {}
func (NopMetrics) RecordCallSetupDuration(float64)            {}
func (NopMetrics) RecordSample(domain.Sample)                 {}
func (NopMetrics) RecordWarningRaised(stat, threshold string) {}
func (NopMetrics) RecordWarningCleared(stat, threshold string) {}
