// Package session composes the audio pipeline, face extractor, protocol
// client, avatar lifecycle and playback sink behind a single state
// machine. All state transitions funnel through the orchestrator; protocol
// events and user commands never race on session state.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/google/uuid"

	"github.com/speech-coach-lab/internal/audio"
	"github.com/speech-coach-lab/internal/avatar"
	"github.com/speech-coach-lab/internal/face"
	"github.com/speech-coach-lab/internal/logging"
	"github.com/speech-coach-lab/internal/protocol"
)

// State is the session lifecycle position.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateEnding     State = "ending"
	StateEnded      State = "ended"
)

// ErrInvalidTransition is returned when a command is not legal in the
// current state.
var ErrInvalidTransition = errors.New("invalid session state transition")

// ProtocolClient is the duplex channel surface the orchestrator drives.
// Exported so embedders can supply their own transport.
type ProtocolClient interface {
	Connect(ctx context.Context, sessionID string) error
	Disconnect()
	StartSession(exerciseType protocol.ExerciseType)
	SetExercise(exerciseType protocol.ExerciseType)
	PauseSession()
	ResumeSession()
	EndSession()
	UserInterrupt()
	SendVisualSignal(sig protocol.VisualSignal)
	SendAudioChunk(chunkBase64 string, sampleRate, channels int, rms float64)
}

// conversationManager is the avatar lifecycle surface.
type conversationManager interface {
	Create(ctx context.Context, sessionID string, exerciseType protocol.ExerciseType) (avatar.Conversation, error)
	End(ctx context.Context, conversationID string) error
}

// audioPipeline is the capture surface.
type audioPipeline interface {
	Start(source audio.Source, onFrame audio.FrameHandler, onVoiceActivity audio.VoiceActivityHandler) error
	Stop() error
}

// faceAnalyzer derives one visual sample per video frame.
type faceAnalyzer interface {
	Analyze(frame image.Image, timestampMs int64) (*face.Sample, error)
}

// audioSink renders coach audio locally. Optional.
type audioSink interface {
	EnqueueBase64(audioBase64, mimeType string)
	Flush()
}

// SummarySink receives the final session summary. Implementations must not
// block the caller; publishing is fire-and-forget.
type SummarySink interface {
	Publish(sessionID string, summary map[string]interface{})
}

// Events surfaces session activity to the embedding layer. All fields are
// optional. Callbacks fire off the protocol read loop or the command
// goroutine; keep them fast.
type Events struct {
	OnStateChange   func(state State)
	OnTranscript    func(text string, isFinal bool)
	OnMetrics       func(metrics protocol.RealtimeMetrics)
	OnCoachResponse func(resp protocol.CoachResponse)
	OnVoiceActivity func(rms float64)
	OnStatus        func(state string)
	OnError         func(message string)
}

// newClientFunc builds a protocol client bound to the orchestrator's
// callbacks. Swappable in tests.
type newClientFunc func(callbacks protocol.Callbacks) ProtocolClient

// Options wires an orchestrator.
type Options struct {
	NewClient     newClientFunc
	Conversations conversationManager
	Pipeline      audioPipeline
	Source        audio.Source
	Extractor     faceAnalyzer
	Playback      audioSink
	Summaries     SummarySink
	Events        Events
}

// Orchestrator owns one coaching session attempt at a time.
type Orchestrator struct {
	opts Options

	mu           sync.Mutex
	state        State
	sessionID    string
	exercise     protocol.ExerciseType
	client       ProtocolClient
	conversation avatar.Conversation
	metrics      protocol.RealtimeMetrics
}

// New returns an idle orchestrator.
func New(opts Options) *Orchestrator {
	if opts.NewClient == nil {
		panic("session: Options.NewClient is required")
	}
	return &Orchestrator{opts: opts, state: StateIdle, exercise: protocol.ExerciseFreeTalk}
}

// State returns the current lifecycle position.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// SessionID returns the id of the current attempt, empty while idle.
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

// Conversation returns the live avatar conversation, zero while none.
func (o *Orchestrator) Conversation() avatar.Conversation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conversation
}

// Metrics returns the latest snapshot. Each inbound metrics event replaces
// it wholesale.
func (o *Orchestrator) Metrics() protocol.RealtimeMetrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.metrics
}

// SetExercise selects the practice mode for the next attempt. Legal only
// while idle.
func (o *Orchestrator) SetExercise(exerciseType protocol.ExerciseType) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateIdle {
		return fmt.Errorf("%w: set_exercise in %s", ErrInvalidTransition, o.state)
	}
	o.exercise = exerciseType
	return nil
}

// Start runs one session attempt: avatar conversation, protocol channel,
// then audio capture. Any failure rolls everything back to idle and
// surfaces as the attempt's terminal error.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return fmt.Errorf("%w: start in %s", ErrInvalidTransition, o.state)
	}
	o.sessionID = uuid.NewString()
	o.setStateLocked(StateConnecting)
	sessionID := o.sessionID
	exercise := o.exercise
	o.mu.Unlock()

	logging.Infow("starting session", logging.SessionFields(sessionID, string(exercise))...)

	var conv avatar.Conversation
	if o.opts.Conversations != nil {
		var err error
		conv, err = o.opts.Conversations.Create(ctx, sessionID, exercise)
		if err != nil {
			o.failStart(sessionID, "")
			return fmt.Errorf("create avatar conversation: %w", err)
		}
	}

	client := o.opts.NewClient(o.callbacks())
	if err := client.Connect(ctx, sessionID); err != nil {
		o.failStart(sessionID, conv.ID)
		return fmt.Errorf("connect protocol channel: %w", err)
	}
	client.StartSession(exercise)

	if o.opts.Pipeline != nil {
		err := o.opts.Pipeline.Start(o.opts.Source, o.onAudioFrame, o.onVoiceActivity)
		if err != nil {
			client.EndSession()
			client.Disconnect()
			o.failStart(sessionID, conv.ID)
			return fmt.Errorf("start audio capture: %w", err)
		}
	}

	o.mu.Lock()
	o.client = client
	o.conversation = conv
	o.setStateLocked(StateRunning)
	o.mu.Unlock()
	return nil
}

// failStart unwinds a partially started attempt back to idle.
func (o *Orchestrator) failStart(sessionID, conversationID string) {
	if conversationID != "" && o.opts.Conversations != nil {
		if err := o.opts.Conversations.End(context.Background(), conversationID); err != nil {
			logging.Warnw("failed to end conversation after aborted start",
				"err", err, "conversation_id", conversationID, "session_id", sessionID)
		}
	}
	o.mu.Lock()
	o.sessionID = ""
	o.conversation = avatar.Conversation{}
	o.client = nil
	o.setStateLocked(StateIdle)
	o.mu.Unlock()
}

// Pause suspends coaching without tearing anything down.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	if o.state != StateRunning {
		o.mu.Unlock()
		return fmt.Errorf("%w: pause in %s", ErrInvalidTransition, o.state)
	}
	client := o.client
	o.setStateLocked(StatePaused)
	o.mu.Unlock()
	if client != nil {
		client.PauseSession()
	}
	return nil
}

// Resume continues a paused session.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	if o.state != StatePaused {
		o.mu.Unlock()
		return fmt.Errorf("%w: resume in %s", ErrInvalidTransition, o.state)
	}
	client := o.client
	o.setStateLocked(StateRunning)
	o.mu.Unlock()
	if client != nil {
		client.ResumeSession()
	}
	return nil
}

// Interrupt cancels any in-progress coach utterance and drops queued
// playback audio.
func (o *Orchestrator) Interrupt() {
	o.mu.Lock()
	client := o.client
	o.mu.Unlock()
	if client != nil {
		client.UserInterrupt()
	}
	if o.opts.Playback != nil {
		o.opts.Playback.Flush()
	}
}

// End tears the attempt down: audio first, then end_session, then the
// avatar conversation, then the ended transition. Every step runs even if
// an earlier one fails.
func (o *Orchestrator) End(ctx context.Context) error {
	o.mu.Lock()
	switch o.state {
	case StateConnecting, StateRunning, StatePaused:
	default:
		o.mu.Unlock()
		return fmt.Errorf("%w: end in %s", ErrInvalidTransition, o.state)
	}
	o.setStateLocked(StateEnding)
	client := o.client
	conversationID := o.conversation.ID
	sessionID := o.sessionID
	o.mu.Unlock()

	if o.opts.Pipeline != nil {
		if err := o.opts.Pipeline.Stop(); err != nil {
			logging.Warnw("audio pipeline stop failed during teardown", "err", err, "session_id", sessionID)
		}
	}
	if client != nil {
		client.EndSession()
		client.Disconnect()
	}
	if conversationID != "" && o.opts.Conversations != nil {
		if err := o.opts.Conversations.End(ctx, conversationID); err != nil {
			logging.Warnw("avatar conversation end failed during teardown",
				"err", err, "conversation_id", conversationID, "session_id", sessionID)
		}
	}

	o.mu.Lock()
	o.client = nil
	o.conversation = avatar.Conversation{}
	o.setStateLocked(StateEnded)
	o.mu.Unlock()
	logging.Infow("session ended", "session_id", sessionID)
	return nil
}

// Reset returns an ended orchestrator to idle for a new attempt.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateEnded {
		return fmt.Errorf("%w: reset in %s", ErrInvalidTransition, o.state)
	}
	o.sessionID = ""
	o.metrics = protocol.RealtimeMetrics{}
	o.setStateLocked(StateIdle)
	return nil
}

// AnalyzeVideoFrame runs the configured face extractor over one video
// frame and forwards the resulting sample. Frames arriving outside the
// running state are dropped before analysis.
func (o *Orchestrator) AnalyzeVideoFrame(frame image.Image, timestampMs int64) error {
	if o.opts.Extractor == nil {
		return nil
	}
	o.mu.Lock()
	running := o.state == StateRunning
	o.mu.Unlock()
	if !running {
		return nil
	}
	sample, err := o.opts.Extractor.Analyze(frame, timestampMs)
	if err != nil {
		return fmt.Errorf("analyze video frame: %w", err)
	}
	o.PublishFaceSample(sample)
	return nil
}

// PublishFaceSample forwards one visual sample. Samples arriving outside
// the running state are dropped.
func (o *Orchestrator) PublishFaceSample(sample *face.Sample) {
	if sample == nil {
		return
	}
	o.mu.Lock()
	client := o.client
	running := o.state == StateRunning
	o.mu.Unlock()
	if !running || client == nil {
		return
	}
	client.SendVisualSignal(protocol.VisualSignal{
		EyeContact:   sample.EyeContact,
		HeadPose:     sample.HeadPose,
		Expression:   sample.Expression,
		PostureScore: sample.PostureScore,
	})
}

func (o *Orchestrator) onAudioFrame(frame audio.Frame) {
	o.mu.Lock()
	client := o.client
	running := o.state == StateRunning
	o.mu.Unlock()
	if !running || client == nil {
		return
	}
	client.SendAudioChunk(frame.Payload, frame.SampleRate, frame.Channels, frame.RMS)
}

func (o *Orchestrator) onVoiceActivity(rms float64) {
	if o.opts.Events.OnVoiceActivity != nil {
		o.opts.Events.OnVoiceActivity(rms)
	}
}

// callbacks binds inbound protocol events to orchestrator behavior.
func (o *Orchestrator) callbacks() protocol.Callbacks {
	return protocol.Callbacks{
		OnError: func(message string) {
			logging.Warnw("backend error", "message", message, "session_id", o.SessionID())
			if o.opts.Events.OnError != nil {
				o.opts.Events.OnError(message)
			}
		},
		OnClose: func() {
			// Transport gone. If the session was live, run full teardown off
			// the read loop; the ending guard makes deliberate shutdown a
			// no-op here.
			switch o.State() {
			case StateConnecting, StateRunning, StatePaused:
				go func() {
					if err := o.End(context.Background()); err != nil && !errors.Is(err, ErrInvalidTransition) {
						logging.Warnw("teardown after transport loss failed", "err", err)
					}
				}()
			}
		},
		OnTranscript: func(text string, isFinal bool) {
			if o.opts.Events.OnTranscript != nil {
				o.opts.Events.OnTranscript(text, isFinal)
			}
		},
		OnMetrics: func(m protocol.RealtimeMetrics) {
			o.mu.Lock()
			o.metrics = m
			o.mu.Unlock()
			if o.opts.Events.OnMetrics != nil {
				o.opts.Events.OnMetrics(m)
			}
		},
		OnCoachResponse: func(resp protocol.CoachResponse) {
			if o.opts.Playback != nil && resp.AudioBase64 != "" {
				o.opts.Playback.EnqueueBase64(resp.AudioBase64, resp.AudioMimeType)
			}
			if o.opts.Events.OnCoachResponse != nil {
				o.opts.Events.OnCoachResponse(resp)
			}
		},
		OnStatus: func(state string) {
			// Advisory only. Backend status never overrides local state.
			if o.opts.Events.OnStatus != nil {
				o.opts.Events.OnStatus(state)
			}
		},
		OnSessionSummary: func(summary map[string]interface{}) {
			sessionID := o.SessionID()
			if o.opts.Summaries != nil {
				go o.opts.Summaries.Publish(sessionID, summary)
			}
			logging.Infow("session summary received", "session_id", sessionID, "fields", len(summary))
		},
	}
}

// setStateLocked records and announces a transition. Caller holds o.mu.
func (o *Orchestrator) setStateLocked(next State) {
	if o.state == next {
		return
	}
	prev := o.state
	o.state = next
	logging.Debugw("session state transition", "from", prev, "to", next, "session_id", o.sessionID)
	if o.opts.Events.OnStateChange != nil {
		go o.opts.Events.OnStateChange(next)
	}
}
