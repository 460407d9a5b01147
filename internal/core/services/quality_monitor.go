package services

import (
	"math"
	"sync"
	"time"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"

	"go.uber.org/zap"
)

// MonitorConfig holds the sampling and hysteresis policy for one call's
// quality monitor.
type MonitorConfig struct {
	SampleInterval time.Duration
	// LevelSampleInterval is the faster tick used to collect instantaneous
	// audio-level sub-samples for deviation checks.
	LevelSampleInterval time.Duration
	// WarningDwell is the minimum time a warning stays raised before a clear
	// condition is honored.
	WarningDwell time.Duration
	Thresholds   map[string][]domain.Threshold
}

// DefaultMonitorConfig returns the sampling policy used for real calls.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SampleInterval:      time.Second,
		LevelSampleInterval: 50 * time.Millisecond,
		WarningDwell:        5 * time.Second,
		Thresholds:          DefaultThresholds(),
	}
}

func f(v float64) *float64 { return &v }

// DefaultThresholds returns the per-metric warning configuration. Values for
// jitter and rtt are in milliseconds.
func DefaultThresholds() map[string][]domain.Threshold {
	return map[string][]domain.Threshold{
		// Stalled traffic counters. These are the low-throughput warnings
		// the recovery policy corroborates connectivity failures with.
		"bytesReceived": {
			{Min: f(1), SampleCount: 3, RaiseCount: 3, ClearCount: 0},
		},
		"bytesSent": {
			{Min: f(1), SampleCount: 3, RaiseCount: 3, ClearCount: 0},
		},
		"packetsLostFraction": {
			{Max: f(3), SampleCount: 7, RaiseCount: 3, ClearCount: 1},
			{MaxAverage: f(3), ClearValue: f(1), SampleCount: 7},
		},
		"jitter": {
			{Max: f(30), SampleCount: 5, RaiseCount: 3, ClearCount: 0},
		},
		"rtt": {
			{Max: f(400), SampleCount: 5, RaiseCount: 3, ClearCount: 2},
			{MaxAverage: f(400), ClearValue: f(300), SampleCount: 5},
		},
		"mos": {
			{MinAverage: f(3.5), ClearValue: f(4), SampleCount: 7},
		},
		"audioInputLevel": {
			{MaxDuration: 10, SampleCount: 10},
			{MinStandardDeviation: f(327.67), SampleCount: 10},
		},
		"audioOutputLevel": {
			{MaxDuration: 10, SampleCount: 10},
		},
	}
}

// lowThroughputStats are the stats whose active min-warnings count as
// corroboration for media-failure recovery.
var lowThroughputStats = []string{"bytesReceived", "bytesSent"}

// QualityMonitor samples transport-quality metrics from the media engine on
// a fixed interval, keeps a rolling sample buffer, and raises hysteretic
// warnings when thresholds are crossed for enough consecutive samples.
type QualityMonitor struct {
	cfg     MonitorConfig
	engine  ports.MediaEngine
	logger  *zap.SugaredLogger
	metrics ports.MetricsSink

	onRaised  func(domain.Warning)
	onCleared func(domain.Warning)

	mu              sync.Mutex
	enabled         bool
	warningsEnabled bool
	stop            chan struct{}
	lastSnapshot    *domain.StatsSnapshot
	samples         []domain.Sample
	window          int
	streaks         map[string]int
	active          map[string]domain.Warning
	inputLevels     []float64
	outputLevels    []float64
}

// NewQualityMonitor creates a monitor for one call's media engine. Warning
// evaluation starts disabled; callers enable it once call warmup has passed.
func NewQualityMonitor(cfg MonitorConfig, engine ports.MediaEngine, logger *zap.Logger, metrics ports.MetricsSink) *QualityMonitor {
	window := 2
	for _, thresholds := range cfg.Thresholds {
		for _, t := range thresholds {
			if t.SampleCount > window {
				window = t.SampleCount
			}
		}
	}
	return &QualityMonitor{
		cfg:     cfg,
		engine:  engine,
		logger:  logger.Sugar().With("component", "quality_monitor"),
		metrics: metrics,
		window:  window,
		streaks: make(map[string]int),
		active:  make(map[string]domain.Warning),
	}
}

// OnWarning registers callbacks for raised and cleared warnings. Callbacks
// run on the sampling goroutine and must not block.
func (m *QualityMonitor) OnWarning(raised, cleared func(domain.Warning)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRaised = raised
	m.onCleared = cleared
}

// Enable starts the sampling loop. Idempotent.
func (m *QualityMonitor) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enabled {
		return
	}
	m.enabled = true
	m.stop = make(chan struct{})
	go m.run(m.stop)
}

// Disable stops the sampling loop so a dead media engine is never sampled.
// Idempotent.
func (m *QualityMonitor) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled {
		return
	}
	m.enabled = false
	close(m.stop)
	m.stop = nil
}

// EnableWarnings turns warning evaluation on. Sampling continues regardless.
func (m *QualityMonitor) EnableWarnings() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warningsEnabled = true
}

// DisableWarnings suppresses warning evaluation and clears every currently
// active warning so none linger stale.
func (m *QualityMonitor) DisableWarnings() {
	m.mu.Lock()
	m.warningsEnabled = false
	cleared := make([]domain.Warning, 0, len(m.active))
	for _, w := range m.active {
		cleared = append(cleared, w)
	}
	m.active = make(map[string]domain.Warning)
	onCleared := m.onCleared
	m.mu.Unlock()

	for _, w := range cleared {
		m.metrics.RecordWarningCleared(w.Stat, w.Threshold)
		if onCleared != nil {
			onCleared(w)
		}
	}
}

// HasActiveWarning reports whether the warning keyed by stat and threshold
// name is currently raised.
func (m *QualityMonitor) HasActiveWarning(stat, threshold string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[stat+":"+threshold]
	return ok
}

// HasLowThroughputWarning reports whether either traffic counter currently
// has its stalled-traffic warning raised.
func (m *QualityMonitor) HasLowThroughputWarning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, stat := range lowThroughputStats {
		if _, ok := m.active[stat+":min"]; ok {
			return true
		}
	}
	return false
}

// ActiveWarnings returns a snapshot of the currently raised warnings.
func (m *QualityMonitor) ActiveWarnings() []domain.Warning {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Warning, 0, len(m.active))
	for _, w := range m.active {
		out = append(out, w)
	}
	return out
}

func (m *QualityMonitor) run(stop chan struct{}) {
	sampleTicker := time.NewTicker(m.cfg.SampleInterval)
	levelTicker := time.NewTicker(m.cfg.LevelSampleInterval)
	defer sampleTicker.Stop()
	defer levelTicker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-levelTicker.C:
			m.collectLevels()
		case <-sampleTicker.C:
			m.sampleOnce(time.Now())
		}
	}
}

// collectLevels records one instantaneous audio-level sub-sample.
func (m *QualityMonitor) collectLevels() {
	snap, err := m.engine.StatsSnapshot()
	if err != nil {
		return
	}
	m.mu.Lock()
	m.inputLevels = append(m.inputLevels, snap.AudioInputLevel)
	m.outputLevels = append(m.outputLevels, snap.AudioOutputLevel)
	m.mu.Unlock()
}

// sampleOnce pulls a snapshot, derives the delta sample, appends it to the
// rolling buffer and evaluates every configured threshold.
func (m *QualityMonitor) sampleOnce(now time.Time) {
	snap, err := m.engine.StatsSnapshot()
	if err != nil {
		m.logger.Debugw("stats snapshot failed", "error", err)
		return
	}
	snap.Timestamp = now

	m.mu.Lock()
	prev := m.lastSnapshot
	m.lastSnapshot = &snap
	if prev == nil {
		// The first sample has no deltas to derive; it only seeds the buffer.
		m.mu.Unlock()
		return
	}
	sample := deriveSample(*prev, snap)
	m.samples = append(m.samples, sample)
	if len(m.samples) > m.window {
		m.samples = m.samples[len(m.samples)-m.window:]
	}
	inputs := m.inputLevels
	outputs := m.outputLevels
	m.inputLevels = nil
	m.outputLevels = nil
	evaluate := m.warningsEnabled
	m.mu.Unlock()

	m.metrics.RecordSample(sample)

	if !evaluate {
		return
	}
	for stat, thresholds := range m.cfg.Thresholds {
		for _, t := range thresholds {
			m.evaluateThreshold(stat, t, inputs, outputs, now)
		}
	}
}

// deriveSample computes the delta-based sample between two snapshots.
func deriveSample(prev, cur domain.StatsSnapshot) domain.Sample {
	received := cur.PacketsReceived - prev.PacketsReceived
	lost := cur.PacketsLost - prev.PacketsLost
	lostFraction := 0.0
	if received+lost > 0 {
		lostFraction = float64(lost) / float64(received+lost) * 100
	}
	return domain.Sample{
		Timestamp:           cur.Timestamp,
		BytesSent:           cur.BytesSent - prev.BytesSent,
		BytesReceived:       cur.BytesReceived - prev.BytesReceived,
		PacketsSent:         cur.PacketsSent - prev.PacketsSent,
		PacketsReceived:     received,
		PacketsLost:         lost,
		PacketsLostFraction: lostFraction,
		Jitter:              cur.Jitter,
		RTT:                 cur.RTT,
		AudioInputLevel:     cur.AudioInputLevel,
		AudioOutputLevel:    cur.AudioOutputLevel,
		QualityScore:        qualityScore(cur.RTT, cur.Jitter, lostFraction),
		Totals: domain.SampleTotals{
			BytesSent:       cur.BytesSent,
			BytesReceived:   cur.BytesReceived,
			PacketsSent:     cur.PacketsSent,
			PacketsReceived: cur.PacketsReceived,
			PacketsLost:     cur.PacketsLost,
		},
	}
}

// qualityScore estimates a 1..5 MOS from rtt, jitter and loss using a
// simplified E-model R-factor.
func qualityScore(rtt, jitter time.Duration, lossPercent float64) float64 {
	effectiveLatency := float64(rtt)/float64(time.Millisecond) +
		2*float64(jitter)/float64(time.Millisecond) + 10

	r := 93.2
	if effectiveLatency < 160 {
		r -= effectiveLatency / 40
	} else {
		r -= (effectiveLatency - 120) / 10
	}
	r -= lossPercent * 2.5
	if r < 0 {
		r = 0
	}
	if r > 100 {
		r = 100
	}

	mos := 1 + 0.035*r + 0.000007*r*(r-60)*(100-r)
	return math.Round(mos*100) / 100
}

func (m *QualityMonitor) evaluateThreshold(stat string, t domain.Threshold, inputs, outputs []float64, now time.Time) {
	switch {
	case t.Max != nil, t.Min != nil:
		m.evaluateBound(stat, t, now)
	case t.MaxDuration > 0:
		m.evaluateConstancy(stat, t, now)
	case t.MaxAverage != nil, t.MinAverage != nil:
		m.evaluateAverage(stat, t, now)
	case t.MinStandardDeviation != nil:
		levels := inputs
		if stat == "audioOutputLevel" {
			levels = outputs
		}
		m.evaluateDeviation(stat, t, levels, now)
	}
}

// evaluateBound counts bound violations over the last SampleCount samples.
// Any missing metric value aborts the round: neither raise nor clear.
func (m *QualityMonitor) evaluateBound(stat string, t domain.Threshold, now time.Time) {
	window := m.lastSamples(t.SampleCount)
	if window == nil {
		return
	}
	violations := 0
	var last float64
	for _, s := range window {
		v, ok := s.Value(stat)
		if !ok {
			return
		}
		if (t.Max != nil && v > *t.Max) || (t.Min != nil && v < *t.Min) {
			violations++
			last = v
		}
	}
	if violations >= t.RaiseCount {
		m.raise(stat, t.Name(), last, now)
	} else if violations <= t.ClearCount {
		m.clear(stat, t.Name(), now)
	}
}

// evaluateConstancy tracks a consecutive-equal-value streak across the last
// two samples and raises once it reaches MaxDuration.
func (m *QualityMonitor) evaluateConstancy(stat string, t domain.Threshold, now time.Time) {
	window := m.lastSamples(2)
	if window == nil {
		return
	}
	prev, okPrev := window[0].Value(stat)
	cur, okCur := window[1].Value(stat)
	if !okPrev || !okCur {
		return
	}

	m.mu.Lock()
	key := stat + ":" + t.Name()
	if prev == cur {
		m.streaks[key]++
	} else {
		m.streaks[key] = 0
	}
	streak := m.streaks[key]
	m.mu.Unlock()

	if streak+1 >= t.MaxDuration {
		m.raise(stat, t.Name(), cur, now)
	} else if streak == 0 {
		m.clear(stat, t.Name(), now)
	}
}

// evaluateAverage compares the window mean against the raise bound, and
// clears only once the mean crosses back past the looser clear value.
func (m *QualityMonitor) evaluateAverage(stat string, t domain.Threshold, now time.Time) {
	window := m.lastSamples(t.SampleCount)
	if window == nil {
		return
	}
	sum := 0.0
	for _, s := range window {
		v, ok := s.Value(stat)
		if !ok {
			return
		}
		sum += v
	}
	avg := sum / float64(len(window))

	switch {
	case t.MaxAverage != nil:
		if avg > *t.MaxAverage {
			m.raise(stat, t.Name(), avg, now)
		} else if t.ClearValue != nil && avg < *t.ClearValue {
			m.clear(stat, t.Name(), now)
		}
	case t.MinAverage != nil:
		if avg < *t.MinAverage {
			m.raise(stat, t.Name(), avg, now)
		} else if t.ClearValue != nil && avg > *t.ClearValue {
			m.clear(stat, t.Name(), now)
		}
	}
}

// evaluateDeviation flattens the per-tick sub-samples collected during the
// window into one population and raises when their standard deviation falls
// below the configured floor (constant-level detection).
func (m *QualityMonitor) evaluateDeviation(stat string, t domain.Threshold, levels []float64, now time.Time) {
	if len(levels) < t.SampleCount {
		return
	}
	mean := 0.0
	for _, v := range levels {
		mean += v
	}
	mean /= float64(len(levels))

	variance := 0.0
	for _, v := range levels {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(levels))
	stddev := math.Sqrt(variance)

	if stddev < *t.MinStandardDeviation {
		m.raise(stat, t.Name(), stddev, now)
	} else {
		m.clear(stat, t.Name(), now)
	}
}

// lastSamples returns the most recent n samples, or nil when the buffer
// holds fewer than n.
func (m *QualityMonitor) lastSamples(n int) []domain.Sample {
	if n < 1 {
		n = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.samples) < n {
		return nil
	}
	out := make([]domain.Sample, n)
	copy(out, m.samples[len(m.samples)-n:])
	return out
}

func (m *QualityMonitor) raise(stat, threshold string, value float64, now time.Time) {
	m.mu.Lock()
	if !m.warningsEnabled {
		m.mu.Unlock()
		return
	}
	key := stat + ":" + threshold
	if _, ok := m.active[key]; ok {
		m.mu.Unlock()
		return
	}
	w := domain.Warning{Stat: stat, Threshold: threshold, RaisedAt: now, Value: value}
	m.active[key] = w
	onRaised := m.onRaised
	m.mu.Unlock()

	m.logger.Warnw("quality warning raised", "stat", stat, "threshold", threshold, "value", value)
	m.metrics.RecordWarningRaised(stat, threshold)
	if onRaised != nil {
		onRaised(w)
	}
}

// clear removes an active warning, but only once the minimum dwell time has
// elapsed since it was raised (hysteresis against flapping).
func (m *QualityMonitor) clear(stat, threshold string, now time.Time) {
	m.mu.Lock()
	key := stat + ":" + threshold
	w, ok := m.active[key]
	if !ok || now.Sub(w.RaisedAt) < m.cfg.WarningDwell {
		m.mu.Unlock()
		return
	}
	delete(m.active, key)
	onCleared := m.onCleared
	m.mu.Unlock()

	m.logger.Infow("quality warning cleared", "stat", stat, "threshold", threshold)
	m.metrics.RecordWarningCleared(stat, threshold)
	if onCleared != nil {
		onCleared(w)
	}
}
