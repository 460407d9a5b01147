package media

// Source supplies outbound audio, one encoded frame per read. ReadFrame
// returns the opus payload and the capture level in the 0..32767 range the
// stats counters use.
type Source interface {
	ReadFrame() (frame []byte, level float64, err error)
	Close() error
}

// silenceSource produces minimal opus silence frames. It stands in when the
// host application supplies no capture pipeline, keeping the RTP clock and
// the remote jitter buffer alive.
type silenceSource struct{}

// NewSilenceSource returns a source of opus comfort silence.
func NewSilenceSource() Source { return silenceSource{} }

// opusSilence is a canonical DTX-style silence frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

func (silenceSource) ReadFrame() ([]byte, float64, error) {
	frame := make([]byte, len(opusSilence))
	copy(frame, opusSilence)
	return frame, 0, nil
}

func (silenceSource) Close() error { return nil }
