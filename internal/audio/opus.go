package audio

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/hraban/opus"

	"github.com/speech-coach-lab/internal/logging"
)

// OpusSource feeds the pipeline from a stream of Opus packets, for audio
// that arrives pre-encoded from a remote track instead of a local device.
// Callers push packets via ProcessPacket; decode errors are counted and
// the bad packet skipped so one corrupt frame never stalls the stream.
type OpusSource struct {
	sampleRate int

	mu       sync.Mutex
	dec      *opus.Decoder
	onBuffer func(samples []float64, sampleRate int)

	decodeErrCount int64
}

// NewOpusSource creates a decoder for mono packets at the given rate
// (typically 48000).
func NewOpusSource(sampleRate int) (*OpusSource, error) {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	dec, err := opus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, err
	}
	return &OpusSource{sampleRate: sampleRate, dec: dec}, nil
}

// Start registers the buffer sink. Packets pushed before Start are dropped.
func (s *OpusSource) Start(onBuffer func(samples []float64, sampleRate int)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dec == nil {
		return errors.New("opus source closed")
	}
	s.onBuffer = onBuffer
	return nil
}

// Stop detaches the sink and releases the decoder. Idempotent.
func (s *OpusSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onBuffer = nil
	s.dec = nil
	return nil
}

// ProcessPacket decodes one Opus packet and forwards the PCM to the
// pipeline. 20 ms mono frames are assumed; larger frames still fit the
// scratch buffer sizing below.
func (s *OpusSource) ProcessPacket(pkt []byte) {
	s.mu.Lock()
	dec := s.dec
	sink := s.onBuffer
	s.mu.Unlock()
	if dec == nil || sink == nil {
		return
	}

	pcm := make([]int16, s.sampleRate/50)
	n, err := dec.Decode(pkt, pcm)
	if err != nil {
		atomic.AddInt64(&s.decodeErrCount, 1)
		logging.Errorw("opus decode error", "err", err)
		return
	}

	samples := make([]float64, n)
	for i := 0; i < n; i++ {
		samples[i] = float64(pcm[i]) / 32768
	}
	sink(samples, s.sampleRate)
}

// DecodeErrors reports how many packets failed to decode.
func (s *OpusSource) DecodeErrors() int64 { return atomic.LoadInt64(&s.decodeErrCount) }
