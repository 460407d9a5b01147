package services

import (
	"sync"
	"testing"
	"time"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// warningRecorder collects raised/cleared callbacks.
type warningRecorder struct {
	mu      sync.Mutex
	raised  []domain.Warning
	cleared []domain.Warning
}

func (r *warningRecorder) onRaised(w domain.Warning) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raised = append(r.raised, w)
}

func (r *warningRecorder) onCleared(w domain.Warning) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleared = append(r.cleared, w)
}

func (r *warningRecorder) raisedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.raised)
}

func (r *warningRecorder) clearedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cleared)
}

func newMonitorForTest(thresholds map[string][]domain.Threshold, dwell time.Duration) (*QualityMonitor, *fakeEngine, *warningRecorder) {
	engine := &fakeEngine{}
	cfg := MonitorConfig{
		SampleInterval:      time.Hour, // tests drive sampling by hand
		LevelSampleInterval: time.Minute,
		WarningDwell:        dwell,
		Thresholds:          thresholds,
	}
	m := NewQualityMonitor(cfg, engine, zap.NewNop(), ports.NopMetrics{})
	rec := &warningRecorder{}
	m.OnWarning(rec.onRaised, rec.onCleared)
	m.EnableWarnings()
	return m, engine, rec
}

// feed sets the engine snapshot and takes one manual sample.
func feed(m *QualityMonitor, engine *fakeEngine, at time.Time, snap domain.StatsSnapshot) {
	engine.mu.Lock()
	engine.snapshot = snap
	engine.mu.Unlock()
	m.sampleOnce(at)
}

func TestStalledTrafficRaisesMinWarning(t *testing.T) {
	m, engine, rec := newMonitorForTest(map[string][]domain.Threshold{
		"bytesReceived": {{Min: f(1), SampleCount: 3, RaiseCount: 3, ClearCount: 0}},
	}, 0)

	now := time.Now()
	// Constant counters: every derived delta is zero.
	for i := 0; i < 4; i++ {
		feed(m, engine, now.Add(time.Duration(i)*time.Second), domain.StatsSnapshot{BytesReceived: 5000})
	}

	assert.True(t, m.HasActiveWarning("bytesReceived", "min"))
	assert.True(t, m.HasLowThroughputWarning())
	assert.Equal(t, 1, rec.raisedCount())

	// Repeat violations do not re-raise an already active warning.
	feed(m, engine, now.Add(5*time.Second), domain.StatsSnapshot{BytesReceived: 5000})
	assert.Equal(t, 1, rec.raisedCount())
}

func TestFirstSampleOnlySeedsTheBuffer(t *testing.T) {
	m, engine, rec := newMonitorForTest(map[string][]domain.Threshold{
		"bytesReceived": {{Min: f(1), SampleCount: 1, RaiseCount: 1, ClearCount: 0}},
	}, 0)

	feed(m, engine, time.Now(), domain.StatsSnapshot{BytesReceived: 0})
	assert.Equal(t, 0, rec.raisedCount(), "no delta exists after a single snapshot")
}

func TestWarningDwellDelaysClear(t *testing.T) {
	m, engine, rec := newMonitorForTest(map[string][]domain.Threshold{
		"bytesReceived": {{Min: f(1), SampleCount: 2, RaiseCount: 2, ClearCount: 0}},
	}, 10*time.Second)

	now := time.Now()
	bytes := uint64(0)
	for i := 0; i < 3; i++ {
		feed(m, engine, now.Add(time.Duration(i)*time.Second), domain.StatsSnapshot{BytesReceived: bytes})
	}
	require.True(t, m.HasActiveWarning("bytesReceived", "min"))

	// Traffic resumes immediately, but the dwell keeps the warning raised.
	for i := 3; i < 6; i++ {
		bytes += 10_000
		feed(m, engine, now.Add(time.Duration(i)*time.Second), domain.StatsSnapshot{BytesReceived: bytes})
	}
	assert.True(t, m.HasActiveWarning("bytesReceived", "min"))
	assert.Zero(t, rec.clearedCount())

	// Same healthy data after the dwell window clears it.
	for i := 0; i < 2; i++ {
		bytes += 10_000
		feed(m, engine, now.Add(time.Duration(20+i)*time.Second), domain.StatsSnapshot{BytesReceived: bytes})
	}
	assert.False(t, m.HasActiveWarning("bytesReceived", "min"))
	assert.Equal(t, 1, rec.clearedCount())
}

func TestConstantValueRaisesMaxDuration(t *testing.T) {
	m, engine, rec := newMonitorForTest(map[string][]domain.Threshold{
		"audioInputLevel": {{MaxDuration: 3, SampleCount: 3}},
	}, 0)

	now := time.Now()
	for i := 0; i < 4; i++ {
		feed(m, engine, now.Add(time.Duration(i)*time.Second), domain.StatsSnapshot{AudioInputLevel: 120})
	}
	assert.True(t, m.HasActiveWarning("audioInputLevel", "maxDuration"))
	assert.Equal(t, 1, rec.raisedCount())

	// The level moving again breaks the streak and clears.
	feed(m, engine, now.Add(5*time.Second), domain.StatsSnapshot{AudioInputLevel: 480})
	assert.False(t, m.HasActiveWarning("audioInputLevel", "maxDuration"))
}

func TestAverageThresholdWithClearValueHysteresis(t *testing.T) {
	m, engine, _ := newMonitorForTest(map[string][]domain.Threshold{
		"rtt": {{MaxAverage: f(400), ClearValue: f(300), SampleCount: 2}},
	}, 0)

	now := time.Now()
	rtt := func(ms int) domain.StatsSnapshot {
		return domain.StatsSnapshot{RTT: time.Duration(ms) * time.Millisecond}
	}

	feed(m, engine, now, rtt(500))
	feed(m, engine, now.Add(time.Second), rtt(500))
	feed(m, engine, now.Add(2*time.Second), rtt(500))
	require.True(t, m.HasActiveWarning("rtt", "maxAverage"))

	// The mean dropping below the raise bound is not enough; it must cross
	// the clear value.
	feed(m, engine, now.Add(3*time.Second), rtt(350))
	feed(m, engine, now.Add(4*time.Second), rtt(350))
	assert.True(t, m.HasActiveWarning("rtt", "maxAverage"))

	feed(m, engine, now.Add(5*time.Second), rtt(250))
	feed(m, engine, now.Add(6*time.Second), rtt(250))
	assert.False(t, m.HasActiveWarning("rtt", "maxAverage"))
}

func TestFlatAudioLevelRaisesDeviationWarning(t *testing.T) {
	m, engine, _ := newMonitorForTest(map[string][]domain.Threshold{
		"audioInputLevel": {{MinStandardDeviation: f(10), SampleCount: 5}},
	}, 0)

	now := time.Now()
	feed(m, engine, now, domain.StatsSnapshot{}) // seed

	// Perfectly flat sub-samples: a dead microphone.
	m.mu.Lock()
	m.inputLevels = []float64{7, 7, 7, 7, 7}
	m.mu.Unlock()
	feed(m, engine, now.Add(time.Second), domain.StatsSnapshot{})
	assert.True(t, m.HasActiveWarning("audioInputLevel", "minStandardDeviation"))

	// Lively levels clear it.
	m.mu.Lock()
	m.inputLevels = []float64{10, 400, 3000, 150, 9000}
	m.mu.Unlock()
	feed(m, engine, now.Add(2*time.Second), domain.StatsSnapshot{})
	assert.False(t, m.HasActiveWarning("audioInputLevel", "minStandardDeviation"))
}

func TestDisableWarningsClearsActiveOnes(t *testing.T) {
	m, engine, rec := newMonitorForTest(map[string][]domain.Threshold{
		"bytesReceived": {{Min: f(1), SampleCount: 2, RaiseCount: 2, ClearCount: 0}},
	}, time.Hour) // dwell would normally block the clear

	now := time.Now()
	for i := 0; i < 3; i++ {
		feed(m, engine, now.Add(time.Duration(i)*time.Second), domain.StatsSnapshot{})
	}
	require.True(t, m.HasLowThroughputWarning())

	m.DisableWarnings()
	assert.False(t, m.HasLowThroughputWarning())
	assert.Empty(t, m.ActiveWarnings())
	assert.Equal(t, 1, rec.clearedCount())

	// Nothing raises while evaluation is off.
	for i := 3; i < 6; i++ {
		feed(m, engine, now.Add(time.Duration(i)*time.Second), domain.StatsSnapshot{})
	}
	assert.Equal(t, 1, rec.raisedCount())
}

func TestDeriveSampleComputesDeltas(t *testing.T) {
	prev := domain.StatsSnapshot{
		BytesSent: 1000, BytesReceived: 2000,
		PacketsSent: 50, PacketsReceived: 90, PacketsLost: 10,
	}
	cur := domain.StatsSnapshot{
		Timestamp: time.Now(),
		BytesSent: 1600, BytesReceived: 2800,
		PacketsSent: 80, PacketsReceived: 170, PacketsLost: 30,
		Jitter: 12 * time.Millisecond, RTT: 80 * time.Millisecond,
	}

	s := deriveSample(prev, cur)
	assert.Equal(t, uint64(600), s.BytesSent)
	assert.Equal(t, uint64(800), s.BytesReceived)
	assert.Equal(t, uint64(80), s.PacketsReceived)
	assert.Equal(t, uint64(20), s.PacketsLost)
	assert.InDelta(t, 20.0, s.PacketsLostFraction, 0.001) // 20/(80+20)
	assert.Equal(t, uint64(2800), s.Totals.BytesReceived)
	assert.Greater(t, s.QualityScore, 1.0)
	assert.Less(t, s.QualityScore, 5.0)
}

func TestQualityScoreDegradesWithImpairment(t *testing.T) {
	clean := qualityScore(50*time.Millisecond, 5*time.Millisecond, 0)
	impaired := qualityScore(600*time.Millisecond, 80*time.Millisecond, 15)

	assert.Greater(t, clean, 4.0)
	assert.Less(t, impaired, 2.5)
	assert.GreaterOrEqual(t, impaired, 1.0)
}

func TestEnableDisableAreIdempotent(t *testing.T) {
	m, _, _ := newMonitorForTest(DefaultThresholds(), 0)

	m.Enable()
	m.Enable()
	m.Disable()
	m.Disable()
}
