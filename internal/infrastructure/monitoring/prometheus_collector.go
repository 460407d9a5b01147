package monitoring

import (
	"time"

	"voicelink/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.MetricsSink on promauto collectors.
type PrometheusCollector struct {
	transportConnects   prometheus.Counter
	transportReconnects prometheus.Counter
	messagesSent        *prometheus.CounterVec
	messagesReceived    *prometheus.CounterVec

	callsStarted      *prometheus.CounterVec
	callsEnded        *prometheus.CounterVec
	callSetupDuration prometheus.Histogram

	sampleMOS       prometheus.Gauge
	sampleJitter    prometheus.Gauge
	sampleRTT       prometheus.Gauge
	sampleLoss      prometheus.Gauge
	warningsRaised  *prometheus.CounterVec
	warningsCleared *prometheus.CounterVec
}

// NewPrometheusCollector registers the voicelink metric set on the default
// registry.
func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		transportConnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_transport_connects_total",
			Help: "Total number of completed signaling handshakes",
		}),

		transportReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_transport_reconnects_total",
			Help: "Total number of signaling disconnects that triggered a reconnect",
		}),

		messagesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voicelink_messages_sent_total",
			Help: "Outbound signaling messages by verb",
		}, []string{"verb"}),

		messagesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voicelink_messages_received_total",
			Help: "Inbound signaling messages by verb",
		}, []string{"verb"}),

		callsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voicelink_calls_started_total",
			Help: "Calls accepted, by direction",
		}, []string{"direction"}),

		callsEnded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voicelink_calls_ended_total",
			Help: "Calls ended, by final state",
		}, []string{"state"}),

		callSetupDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicelink_call_setup_duration_seconds",
			Help:    "Time from accept to open",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		sampleMOS: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voicelink_call_mos",
			Help: "Most recent mean opinion score estimate",
		}),

		sampleJitter: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voicelink_call_jitter_ms",
			Help: "Most recent inbound jitter in milliseconds",
		}),

		sampleRTT: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voicelink_call_rtt_ms",
			Help: "Most recent round trip time in milliseconds",
		}),

		sampleLoss: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voicelink_call_packets_lost_fraction",
			Help: "Most recent inbound loss percentage",
		}),

		warningsRaised: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voicelink_quality_warnings_raised_total",
			Help: "Quality warnings raised, by stat and threshold",
		}, []string{"stat", "threshold"}),

		warningsCleared: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voicelink_quality_warnings_cleared_total",
			Help: "Quality warnings cleared, by stat and threshold",
		}, []string{"stat", "threshold"}),
	}
}

func (p *PrometheusCollector) RecordTransportConnected() {
	p.transportConnects.Inc()
}

func (p *PrometheusCollector) RecordTransportReconnect() {
	p.transportReconnects.Inc()
}

func (p *PrometheusCollector) RecordMessageSent(verb domain.Verb) {
	p.messagesSent.WithLabelValues(string(verb)).Inc()
}

func (p *PrometheusCollector) RecordMessageReceived(verb domain.Verb) {
	p.messagesReceived.WithLabelValues(string(verb)).Inc()
}

func (p *PrometheusCollector) RecordCallStarted(direction domain.Direction) {
	p.callsStarted.WithLabelValues(direction.String()).Inc()
}

func (p *PrometheusCollector) RecordCallEnded(state domain.CallState) {
	p.callsEnded.WithLabelValues(string(state)).Inc()
}

func (p *PrometheusCollector) RecordCallSetupDuration(seconds float64) {
	p.callSetupDuration.Observe(seconds)
}

func (p *PrometheusCollector) RecordSample(s domain.Sample) {
	p.sampleMOS.Set(s.QualityScore)
	p.sampleJitter.Set(float64(s.Jitter) / float64(time.Millisecond))
	p.sampleRTT.Set(float64(s.RTT) / float64(time.Millisecond))
	p.sampleLoss.Set(s.PacketsLostFraction)
}

func (p *PrometheusCollector) RecordWarningRaised(stat, threshold string) {
	p.warningsRaised.WithLabelValues(stat, threshold).Inc()
}

func (p *PrometheusCollector) RecordWarningCleared(stat, threshold string) {
	p.warningsCleared.WithLabelValues(stat, threshold).Inc()
}
