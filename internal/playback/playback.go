// Package playback renders coach audio on the local output device. Audio
// arrives as base64 payloads (WAV or raw PCM16), gets resampled to the
// device rate, and streams through a pull-based player. An interrupt
// flushes everything queued so stale coach speech never plays.
package playback

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ebitengine/oto/v3"

	"github.com/speech-coach-lab/internal/logging"
	"github.com/speech-coach-lab/internal/signal"
)

// DeviceSampleRate is the fixed output device rate. Inbound audio at other
// rates is resampled before queueing.
const DeviceSampleRate = 24000

var errNotWAV = errors.New("payload is not a RIFF/WAVE container")

// pcmWriter is the playback device surface. The oto-backed implementation
// satisfies it in production; tests substitute a buffer.
type pcmWriter interface {
	Write(pcm []byte)
	Flush()
	Close()
}

// Player decodes and queues coach audio. Safe for concurrent use.
type Player struct {
	mu     sync.Mutex
	out    pcmWriter
	closed bool
}

// NewPlayer opens the output device. Fails when no audio backend is
// available, in which case the caller runs without local playback.
func NewPlayer() (*Player, error) {
	opts := &oto.NewContextOptions{
		SampleRate:   DeviceSampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   4800,
	}
	ctx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("open playback device: %w", err)
	}
	<-ready
	return &Player{out: newSpeaker(ctx)}, nil
}

// EnqueueBase64 decodes one coach audio payload and queues it for
// playback. Best-effort: malformed payloads are logged and dropped.
func (p *Player) EnqueueBase64(audioBase64, mimeType string) {
	if audioBase64 == "" {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(audioBase64)
	if err != nil {
		logging.Debugw("playback: payload not base64", "err", err)
		return
	}
	pcm, rate, err := decodePayload(raw, mimeType)
	if err != nil {
		logging.Debugw("playback: undecodable payload", "err", err, "mime_type", mimeType)
		return
	}
	if rate != DeviceSampleRate {
		pcm = resamplePCM16(pcm, rate, DeviceSampleRate)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.out.Write(pcm)
}

// Flush drops all queued audio and stops the current utterance.
func (p *Player) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.out.Flush()
}

// Close releases the device. Idempotent.
func (p *Player) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.out.Close()
}

// decodePayload returns PCM16LE bytes and their sample rate. WAV
// containers are parsed; anything else is treated as raw PCM16 at the
// device rate.
func decodePayload(raw []byte, mimeType string) ([]byte, int, error) {
	mt := strings.ToLower(mimeType)
	if strings.Contains(mt, "wav") || looksLikeWAV(raw) {
		return parseWAV(raw)
	}
	if len(raw)%2 != 0 {
		raw = raw[:len(raw)-1]
	}
	return raw, DeviceSampleRate, nil
}

func looksLikeWAV(raw []byte) bool {
	return len(raw) >= 12 && string(raw[:4]) == "RIFF" && string(raw[8:12]) == "WAVE"
}

// parseWAV walks the RIFF chunks for fmt and data. Only 16-bit PCM is
// accepted; stereo is downmixed by taking the left channel.
func parseWAV(raw []byte) ([]byte, int, error) {
	if !looksLikeWAV(raw) {
		return nil, 0, errNotWAV
	}
	var (
		sampleRate int
		channels   int
		bits       int
		data       []byte
	)
	off := 12
	for off+8 <= len(raw) {
		id := string(raw[off : off+4])
		size := int(binary.LittleEndian.Uint32(raw[off+4 : off+8]))
		body := off + 8
		if body+size > len(raw) {
			size = len(raw) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("wav fmt chunk too short: %d bytes", size)
			}
			channels = int(binary.LittleEndian.Uint16(raw[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(raw[body+4 : body+8]))
			bits = int(binary.LittleEndian.Uint16(raw[body+14 : body+16]))
		case "data":
			data = raw[body : body+size]
		}
		off = body + size
		if size%2 == 1 {
			off++
		}
	}
	if sampleRate == 0 || data == nil {
		return nil, 0, errors.New("wav missing fmt or data chunk")
	}
	if bits != 16 {
		return nil, 0, fmt.Errorf("unsupported wav bit depth %d", bits)
	}
	if channels > 1 {
		mono := make([]byte, 0, len(data)/channels)
		stride := channels * 2
		for i := 0; i+stride <= len(data); i += stride {
			mono = append(mono, data[i], data[i+1])
		}
		data = mono
	}
	if len(data)%2 != 0 {
		data = data[:len(data)-1]
	}
	return data, sampleRate, nil
}

func resamplePCM16(pcm []byte, inRate, outRate int) []byte {
	samples := make([]float64, len(pcm)/2)
	for i := range samples {
		samples[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	out := signal.ResampleAndQuantize(samples, inRate, outRate)
	res := make([]byte, len(out)*2)
	for i, s := range out {
		binary.LittleEndian.PutUint16(res[i*2:], uint16(s))
	}
	return res
}

// speaker adapts an oto context to pcmWriter. The player pulls from the
// internal buffer via Read; Write appends and wakes it.
type speaker struct {
	ctx     *oto.Context
	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	player  *oto.Player
	playing bool
	closed  bool
}

func newSpeaker(ctx *oto.Context) *speaker {
	s := &speaker{ctx: ctx, buf: make([]byte, 0, DeviceSampleRate*4)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *speaker) Write(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.buf = append(s.buf, pcm...)
	if !s.playing {
		s.playing = true
		s.player = s.ctx.NewPlayer(s)
		s.player.Play()
	}
	s.cond.Signal()
}

// Read feeds the device. Blocks until data arrives; emits silence while
// draining after close.
func (s *speaker) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed && len(s.buf) == 0 {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *speaker) Flush() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	if s.player != nil && s.playing {
		s.playing = false
		player := s.player
		s.player = nil
		s.mu.Unlock()
		player.Pause()
		player.Close()
		return
	}
	s.mu.Unlock()
}

func (s *speaker) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	player := s.player
	s.player = nil
	s.mu.Unlock()
	if player != nil {
		player.Close()
	}
}
