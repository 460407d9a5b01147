package domain

import "time"

// StatsSnapshot is the cumulative counter set pulled from the media engine.
// All counters are monotonically non-decreasing for the lifetime of a call.
type StatsSnapshot struct {
	Timestamp       time.Time
	BytesSent       uint64
	BytesReceived   uint64
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsLost     uint64
	Jitter          time.Duration
	RTT             time.Duration
	AudioInputLevel  float64
	AudioOutputLevel float64
}

// SampleTotals carries the cumulative counters alongside a delta sample.
type SampleTotals struct {
	BytesSent       uint64
	BytesReceived   uint64
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsLost     uint64
}

// Sample is one point-in-time quality measurement derived from two
// consecutive snapshots. Samples are immutable once created.
type Sample struct {
	Timestamp       time.Time
	BytesSent       uint64
	BytesReceived   uint64
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsLost     uint64
	// PacketsLostFraction is lost/(lost+received) for this interval,
	// 0 when no inbound packets were seen.
	PacketsLostFraction float64
	Jitter              time.Duration
	RTT                 time.Duration
	AudioInputLevel     float64
	AudioOutputLevel    float64
	// QualityScore is a 1..5 MOS-like estimate from rtt/jitter/loss.
	QualityScore float64
	Totals       SampleTotals
}

// Value returns the named metric from the sample. The second return is false
// when the metric is not known for this sample (insufficient information).
func (s Sample) Value(stat string) (float64, bool) {
	switch stat {
	case "bytesSent":
		return float64(s.BytesSent), true
	case "bytesReceived":
		return float64(s.BytesReceived), true
	case "packetsSent":
		return float64(s.PacketsSent), true
	case "packetsReceived":
		return float64(s.PacketsReceived), true
	case "packetsLost":
		return float64(s.PacketsLost), true
	case "packetsLostFraction":
		return s.PacketsLostFraction, true
	case "jitter":
		return float64(s.Jitter) / float64(time.Millisecond), true
	case "rtt":
		return float64(s.RTT) / float64(time.Millisecond), true
	case "audioInputLevel":
		return s.AudioInputLevel, true
	case "audioOutputLevel":
		return s.AudioOutputLevel, true
	case "mos":
		return s.QualityScore, true
	}
	return 0, false
}

// Threshold configures warning evaluation for one metric. Exactly one of the
// bound kinds is expected to be set per threshold entry.
type Threshold struct {
	// Max/Min raise when at least RaiseCount of the last SampleCount samples
	// violate the bound, and clear when at most ClearCount do.
	Max *float64 `yaml:"max,omitempty"`
	Min *float64 `yaml:"min,omitempty"`

	// MaxDuration raises when the metric holds the exact same value for this
	// many consecutive samples.
	MaxDuration int `yaml:"max_duration,omitempty"`

	// MaxAverage/MinAverage raise when the mean over the last SampleCount
	// samples crosses the bound; ClearValue is the looser bound the mean must
	// cross back past before the warning clears.
	MaxAverage *float64 `yaml:"max_average,omitempty"`
	MinAverage *float64 `yaml:"min_average,omitempty"`
	ClearValue *float64 `yaml:"clear_value,omitempty"`

	// MinStandardDeviation raises when the deviation of the per-tick
	// sub-samples collected during the window falls below the floor.
	MinStandardDeviation *float64 `yaml:"min_standard_deviation,omitempty"`

	SampleCount int `yaml:"sample_count,omitempty"`
	RaiseCount  int `yaml:"raise_count,omitempty"`
	ClearCount  int `yaml:"clear_count,omitempty"`
}

// Name labels the threshold kind for warning keys ("max", "minAverage", ...).
func (t Threshold) Name() string {
	switch {
	case t.Max != nil:
		return "max"
	case t.Min != nil:
		return "min"
	case t.MaxDuration > 0:
		return "maxDuration"
	case t.MaxAverage != nil:
		return "maxAverage"
	case t.MinAverage != nil:
		return "minAverage"
	case t.MinStandardDeviation != nil:
		return "minStandardDeviation"
	}
	return "unknown"
}

// Warning is an active quality warning keyed by stat and threshold name.
type Warning struct {
	Stat      string
	Threshold string
	RaisedAt  time.Time
	Value     float64
}

// Key returns the active-warnings map key for this warning.
func (w Warning) Key() string {
	return w.Stat + ":" + w.Threshold
}
