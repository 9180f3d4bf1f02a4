// Package audio owns microphone capture and per-buffer feature extraction.
// Capture sources push raw sample buffers on the platform's real-time
// audio thread; the pipeline slices them into fixed-size chunks, computes
// RMS, resamples to 16 kHz mono PCM16 and hands base64-encoded frames to a
// background dispatcher. The real-time path never blocks on the network:
// frames are queued fire-and-forget and dropped when the queue is full.
package audio

import (
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/speech-coach-lab/internal/logging"
	"github.com/speech-coach-lab/internal/signal"
)

// ErrCaptureUnavailable indicates the platform denied access to the
// capture device or no device is present. Fatal to the audio pipeline
// only; the rest of the session keeps running.
var ErrCaptureUnavailable = errors.New("audio capture unavailable")

// TargetSampleRate is the wire format every frame is resampled to.
const TargetSampleRate = 16000

// Frame is one immutable audio chunk ready for the protocol layer.
type Frame struct {
	Payload       string // base64-encoded little-endian PCM16
	SampleRate    int
	Channels      int
	RMS           float64
	CorrelationID string
}

// FrameHandler receives encoded frames on the dispatcher goroutine.
type FrameHandler func(Frame)

// VoiceActivityHandler receives the per-buffer RMS synchronously on the
// capture thread. Keep it cheap.
type VoiceActivityHandler func(rms float64)

// Source is the capture boundary: an implementation delivers raw float
// sample buffers (range [-1, 1]) at its native rate until stopped.
type Source interface {
	Start(onBuffer func(samples []float64, sampleRate int)) error
	Stop() error
}

// Pipeline converts a capture source into encoded 16 kHz frames.
type Pipeline struct {
	bufferSamples int
	queueDepth    int
	dumper        *Dumper

	mu      sync.Mutex
	running bool
	source  Source
	queue   chan Frame
	pending []float64
	wg      sync.WaitGroup

	onVoiceActivity VoiceActivityHandler

	frameCount int64
	dropCount  int64
}

// NewPipeline sizes the chunking and dispatch queue. dumper may be nil.
func NewPipeline(bufferSamples, queueDepth int, dumper *Dumper) *Pipeline {
	if bufferSamples <= 0 {
		bufferSamples = 4096
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	return &Pipeline{bufferSamples: bufferSamples, queueDepth: queueDepth, dumper: dumper}
}

// Start acquires the capture source and begins emitting frames. At most
// one capture graph is active at a time; starting a running pipeline is an
// error.
func (p *Pipeline) Start(source Source, onFrame FrameHandler, onVoiceActivity VoiceActivityHandler) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("audio pipeline already started")
	}
	p.running = true
	p.source = source
	p.onVoiceActivity = onVoiceActivity
	p.queue = make(chan Frame, p.queueDepth)
	p.pending = p.pending[:0]
	queue := p.queue
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for frame := range queue {
			if onFrame != nil {
				onFrame(frame)
			}
			if p.dumper != nil {
				p.dumper.SaveFrame(frame)
			}
		}
	}()

	if err := source.Start(p.handleBuffer); err != nil {
		p.teardown()
		return err
	}
	logging.Infow("audio pipeline started", "buffer_samples", p.bufferSamples, "queue_depth", p.queueDepth)
	return nil
}

// handleBuffer runs on the capture thread. It accumulates samples into
// fixed-size chunks and encodes each full chunk.
func (p *Pipeline) handleBuffer(samples []float64, sampleRate int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.pending = append(p.pending, samples...)
	for len(p.pending) >= p.bufferSamples {
		chunk := p.pending[:p.bufferSamples]
		p.emitLocked(chunk, sampleRate)
		p.pending = p.pending[p.bufferSamples:]
	}
}

// emitLocked encodes one chunk and enqueues it. Called with p.mu held.
func (p *Pipeline) emitLocked(chunk []float64, sampleRate int) {
	rms := signal.RMS(chunk)
	if p.onVoiceActivity != nil {
		p.onVoiceActivity(rms)
	}

	pcm := signal.ResampleAndQuantize(chunk, sampleRate, TargetSampleRate)
	frame := Frame{
		Payload:       base64.StdEncoding.EncodeToString(pcmBytes(pcm)),
		SampleRate:    TargetSampleRate,
		Channels:      1,
		RMS:           rms,
		CorrelationID: uuid.NewString(),
	}

	select {
	case p.queue <- frame:
		atomic.AddInt64(&p.frameCount, 1)
		logging.Debugw("audio frame enqueued", logging.FrameFields(frame.CorrelationID, len(pcm), len(pcm)*1000/TargetSampleRate)...)
	default:
		atomic.AddInt64(&p.dropCount, 1)
		logging.Warnw("dropping audio frame; queue full", "correlation_id", frame.CorrelationID)
	}
}

// Stop releases the capture graph: disconnects the source, drains the
// dispatcher and clears the stream reference. Safe to call repeatedly and
// on every exit path of the owning session.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	source := p.source
	p.source = nil
	p.mu.Unlock()

	var err error
	if source != nil {
		err = source.Stop()
	}
	p.teardown()
	logging.Infow("audio pipeline stopped",
		"frames", atomic.LoadInt64(&p.frameCount),
		"dropped", atomic.LoadInt64(&p.dropCount))
	return err
}

func (p *Pipeline) teardown() {
	p.mu.Lock()
	p.running = false
	queue := p.queue
	p.queue = nil
	p.mu.Unlock()
	if queue != nil {
		close(queue)
	}
	p.wg.Wait()
}

// FramesEmitted reports the number of frames handed to the dispatcher.
func (p *Pipeline) FramesEmitted() int64 { return atomic.LoadInt64(&p.frameCount) }

// FramesDropped reports frames discarded because the queue was full.
func (p *Pipeline) FramesDropped() int64 { return atomic.LoadInt64(&p.dropCount) }

// pcmBytes serializes samples as little-endian PCM16.
func pcmBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}
