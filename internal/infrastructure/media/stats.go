package media

import (
	"sync"
	"time"

	"voicelink/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

const (
	opusClockRate = 48000
	frameDuration = 20 * time.Millisecond
	samplesPerTS  = opusClockRate / 50 // timestamp units per 20ms frame
	maxAudioLevel = 32767
)

// statsAccumulator collects the cumulative counters the quality monitor
// samples. Writers are the RTP/RTCP loops; readers take a snapshot.
type statsAccumulator struct {
	mu              sync.Mutex
	bytesSent       uint64
	bytesReceived   uint64
	packetsSent     uint64
	packetsReceived uint64
	packetsLost     uint64
	jitter          time.Duration
	rtt             time.Duration
	inputLevel      float64
	outputLevel     float64
	muted           bool
}

func (a *statsAccumulator) snapshot() domain.StatsSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return domain.StatsSnapshot{
		Timestamp:        time.Now(),
		BytesSent:        a.bytesSent,
		BytesReceived:    a.bytesReceived,
		PacketsSent:      a.packetsSent,
		PacketsReceived:  a.packetsReceived,
		PacketsLost:      a.packetsLost,
		Jitter:           a.jitter,
		RTT:              a.rtt,
		AudioInputLevel:  a.inputLevel,
		AudioOutputLevel: a.outputLevel,
	}
}

func (a *statsAccumulator) addSent(bytes int, level float64) {
	a.mu.Lock()
	a.bytesSent += uint64(bytes)
	a.packetsSent++
	if a.muted {
		level = 0
	}
	a.outputLevel = level
	a.mu.Unlock()
}

func (a *statsAccumulator) addReceived(bytes int, level float64, haveLevel bool) {
	a.mu.Lock()
	a.bytesReceived += uint64(bytes)
	a.packetsReceived++
	if haveLevel {
		a.inputLevel = level
	}
	a.mu.Unlock()
}

func (a *statsAccumulator) setReport(lost uint64, jitter, rtt time.Duration) {
	a.mu.Lock()
	if lost > a.packetsLost {
		a.packetsLost = lost
	}
	a.jitter = jitter
	if rtt > 0 {
		a.rtt = rtt
	}
	a.mu.Unlock()
}

func (a *statsAccumulator) setMuted(muted bool) {
	a.mu.Lock()
	a.muted = muted
	a.mu.Unlock()
}

// pumpOutbound packetizes source frames onto the local track at the frame
// cadence. Muted calls keep the RTP clock running with empty comfort frames
// so the remote side does not declare the stream dead.
func (e *Engine) pumpOutbound(track *webrtc.TrackLocalStaticRTP, stop chan struct{}) {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	seq := uint16(1)
	var ts uint32

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		frame, level, err := e.source.ReadFrame()
		if err != nil {
			e.logger.Warnw("audio source exhausted", "error", err)
			return
		}

		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				SequenceNumber: seq,
				Timestamp:      ts,
			},
			Payload: frame,
		}
		seq++
		ts += samplesPerTS

		if err := track.WriteRTP(pkt); err != nil {
			e.logger.Debugw("outbound write failed", "error", err)
			continue
		}
		e.stats.addSent(len(frame), level)
	}
}

// onRemoteTrack drains inbound audio, counting bytes and packets and
// extracting the audio-level header extension when the peer negotiated it.
func (e *Engine) onRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	e.logger.Infow("remote track started",
		"track_id", track.ID(),
		"codec", track.Codec().MimeType,
	)

	go e.readReceiverReports(receiver)

	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			e.logger.Debugw("remote track ended", "error", err)
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}

		level, ok := e.audioLevelOf(pkt)
		e.stats.addReceived(len(pkt.Payload), level, ok)
	}
}

// audioLevelOf decodes the one-byte ssrc-audio-level extension: the low
// seven bits are negated dBov, 0 loudest and 127 silence.
func (e *Engine) audioLevelOf(pkt *rtp.Packet) (float64, bool) {
	e.mu.Lock()
	extID := e.levelExtID
	e.mu.Unlock()
	if extID == 0 {
		return 0, false
	}

	raw := pkt.GetExtension(uint8(extID))
	if len(raw) != 1 {
		return 0, false
	}
	dBov := float64(raw[0] & 0x7f)
	return (127 - dBov) / 127 * maxAudioLevel, true
}

// readReceiverReports feeds loss, jitter and RTT from inbound RTCP into the
// accumulator.
func (e *Engine) readReceiverReports(receiver *webrtc.RTPReceiver) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		e.applyRTCP(packets)
	}
}

// readSenderReports drains RTCP on the sender side; receiver reports about
// our outbound stream arrive here.
func (e *Engine) readSenderReports(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		e.applyRTCP(packets)
	}
}

func (e *Engine) applyRTCP(packets []rtcp.Packet) {
	for _, packet := range packets {
		rr, ok := packet.(*rtcp.ReceiverReport)
		if !ok {
			continue
		}
		for _, report := range rr.Reports {
			jitter := time.Duration(report.Jitter) * time.Second / opusClockRate
			var rtt time.Duration
			if report.LastSenderReport != 0 && report.Delay != 0 {
				// DLSR is in 1/65536 second units; without the original send
				// time this is the dominant term of the round trip.
				rtt = time.Duration(report.Delay) * time.Second / 65536
			}
			e.stats.setReport(uint64(report.TotalLost), jitter, rtt)
		}
	}
}
