package audio

import (
	"encoding/base64"
	"math"
	"sync/atomic"
	"testing"
	"time"
)

// fakeSource hands buffers to the pipeline on demand, standing in for a
// real capture device.
type fakeSource struct {
	onBuffer func(samples []float64, sampleRate int)
	stops    int32
}

func (f *fakeSource) Start(onBuffer func(samples []float64, sampleRate int)) error {
	f.onBuffer = onBuffer
	return nil
}

func (f *fakeSource) Stop() error {
	atomic.AddInt32(&f.stops, 1)
	return nil
}

func (f *fakeSource) push(samples []float64, rate int) {
	if f.onBuffer != nil {
		f.onBuffer(samples, rate)
	}
}

func collectFrames(t *testing.T, frames <-chan Frame, n int) []Frame {
	t.Helper()
	out := make([]Frame, 0, n)
	for len(out) < n {
		select {
		case fr := <-frames:
			out = append(out, fr)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d of %d", len(out)+1, n)
		}
	}
	return out
}

// TestPipelineEmitsFrames pushes two full buffers at the target rate and
// checks payload size, metadata and RMS of the emitted frames.
func TestPipelineEmitsFrames(t *testing.T) {
	src := &fakeSource{}
	p := NewPipeline(4, 8, nil)

	frames := make(chan Frame, 8)
	var voiceCalls int32
	err := p.Start(src, func(fr Frame) { frames <- fr }, func(rms float64) {
		atomic.AddInt32(&voiceCalls, 1)
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	buf := []float64{0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5}
	src.push(buf, TargetSampleRate)

	got := collectFrames(t, frames, 2)
	for _, fr := range got {
		if fr.SampleRate != TargetSampleRate || fr.Channels != 1 {
			t.Fatalf("frame metadata = %d Hz / %d ch, want 16000 / 1", fr.SampleRate, fr.Channels)
		}
		pcm, err := base64.StdEncoding.DecodeString(fr.Payload)
		if err != nil {
			t.Fatalf("payload not base64: %v", err)
		}
		if len(pcm) != 8 { // 4 samples * 2 bytes, same-rate path
			t.Fatalf("payload = %d bytes, want 8", len(pcm))
		}
		if math.Abs(fr.RMS-0.5) > 1e-9 {
			t.Fatalf("frame rms = %v, want 0.5", fr.RMS)
		}
		if fr.CorrelationID == "" {
			t.Fatalf("frame missing correlation id")
		}
	}
	if atomic.LoadInt32(&voiceCalls) != 2 {
		t.Fatalf("voice activity calls = %d, want 2", voiceCalls)
	}
}

// TestPipelinePartialBuffer verifies sub-chunk buffers accumulate until a
// full chunk is available.
func TestPipelinePartialBuffer(t *testing.T) {
	src := &fakeSource{}
	p := NewPipeline(4, 8, nil)
	frames := make(chan Frame, 8)
	if err := p.Start(src, func(fr Frame) { frames <- fr }, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	src.push([]float64{0.1, 0.1}, TargetSampleRate)
	select {
	case fr := <-frames:
		t.Fatalf("unexpected frame from partial buffer: %+v", fr)
	case <-time.After(50 * time.Millisecond):
	}

	src.push([]float64{0.1, 0.1}, TargetSampleRate)
	collectFrames(t, frames, 1)
}

// TestPipelineStopIdempotent calls Stop twice: no error, the source is
// released once, and nothing is emitted afterwards.
func TestPipelineStopIdempotent(t *testing.T) {
	src := &fakeSource{}
	p := NewPipeline(4, 8, nil)
	frames := make(chan Frame, 8)
	if err := p.Start(src, func(fr Frame) { frames <- fr }, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	src.push(make([]float64, 4), TargetSampleRate)
	collectFrames(t, frames, 1)

	if err := p.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if got := atomic.LoadInt32(&src.stops); got != 1 {
		t.Fatalf("source stopped %d times, want 1", got)
	}

	// Buffers arriving after Stop must be ignored.
	src.push(make([]float64, 8), TargetSampleRate)
	select {
	case fr := <-frames:
		t.Fatalf("frame emitted after stop: %+v", fr)
	case <-time.After(50 * time.Millisecond):
	}
	if p.FramesEmitted() != 1 {
		t.Fatalf("frames emitted = %d, want 1", p.FramesEmitted())
	}
}

// TestPipelineDropsWhenQueueFull blocks the dispatcher and floods the
// queue; overflow frames are dropped rather than blocking the capture
// thread.
func TestPipelineDropsWhenQueueFull(t *testing.T) {
	src := &fakeSource{}
	p := NewPipeline(4, 1, nil)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	err := p.Start(src, func(fr Frame) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// First frame occupies the dispatcher, second fills the queue.
	src.push(make([]float64, 4), TargetSampleRate)
	<-started
	src.push(make([]float64, 4), TargetSampleRate)
	src.push(make([]float64, 4), TargetSampleRate)
	src.push(make([]float64, 4), TargetSampleRate)

	if p.FramesDropped() == 0 {
		t.Fatalf("expected dropped frames when queue is full")
	}

	close(release)
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestBuildWAVHeader(t *testing.T) {
	pcm := make([]byte, 32)
	wav := BuildWAV(pcm, 16000, 1, 16)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("wav length = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("wav header malformed: %q %q", wav[:4], wav[8:12])
	}
}
