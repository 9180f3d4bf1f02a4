package audio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/speech-coach-lab/internal/logging"
)

// MicSource captures from the default microphone via miniaudio. Buffers
// arrive on the platform's real-time capture thread at the configured
// native rate; the pipeline handles resampling.
type MicSource struct {
	sampleRate int

	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

// NewMicSource prepares a microphone source at the given native rate.
func NewMicSource(sampleRate int) *MicSource {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	return &MicSource{sampleRate: sampleRate}
}

// Start opens the capture device. Device or context failures map to
// ErrCaptureUnavailable so callers can distinguish a denied microphone
// from other pipeline errors.
func (m *MicSource) Start(onBuffer func(samples []float64, sampleRate int)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		return fmt.Errorf("mic source already started")
	}

	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime
	ctx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return fmt.Errorf("%w: init context: %v", ErrCaptureUnavailable, err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(m.sampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	rate := m.sampleRate
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			onBuffer(s16BytesToFloat(input), rate)
		},
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("%w: init device: %v", ErrCaptureUnavailable, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("%w: start device: %v", ErrCaptureUnavailable, err)
	}

	m.ctx = ctx
	m.device = device
	logging.Infow("microphone capture started", "sample_rate", m.sampleRate)
	return nil
}

// Stop releases the device and audio context. Idempotent.
func (m *MicSource) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		_ = m.device.Stop()
		m.device.Uninit()
		m.device = nil
	}
	if m.ctx != nil {
		_ = m.ctx.Uninit()
		m.ctx.Free()
		m.ctx = nil
	}
	return nil
}

// s16BytesToFloat converts little-endian PCM16 bytes into [-1, 1] floats.
func s16BytesToFloat(data []byte) []float64 {
	n := len(data) / 2
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		v := int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
		out[i] = float64(v) / 32768
	}
	return out
}
