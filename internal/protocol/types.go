package protocol

import "github.com/speech-coach-lab/internal/signal"

// ExerciseType selects the practice mode a session runs in.
type ExerciseType string

const (
	ExerciseFreeTalk       ExerciseType = "free_talk"
	ExerciseElevatorPitch  ExerciseType = "elevator_pitch"
	ExerciseStorytelling   ExerciseType = "storytelling"
	ExerciseDebate         ExerciseType = "debate"
	ExerciseEyeContact     ExerciseType = "eye_contact_drill"
	ExerciseFillerWords    ExerciseType = "filler_word_elimination"
	ExercisePowerPause     ExerciseType = "power_pause"
	ExerciseImpromptu      ExerciseType = "impromptu"
)

// SpeechMetrics is the backend's rolling speech analysis.
type SpeechMetrics struct {
	WordsPerMinute      float64        `json:"words_per_minute"`
	FillerWords         map[string]int `json:"filler_words"`
	FillerWordRate      float64        `json:"filler_word_rate"`
	PauseCount          int            `json:"pause_count"`
	LongestPauseSeconds float64        `json:"longest_pause_seconds"`
	ElapsedMinutes      float64        `json:"elapsed_minutes"`
	TotalWords          int            `json:"total_words"`
}

// VisualSignals is the backend's aggregate of the visual samples we sent.
type VisualSignals struct {
	EyeContactPercentage float64 `json:"eye_contact_percentage"`
	HeadMovementLevel    string  `json:"head_movement_level"`
	FacialExpression     string  `json:"facial_expression"`
	PostureScore         float64 `json:"posture_score"`
}

// SessionContext carries session-level framing alongside the metrics.
type SessionContext struct {
	DurationMinutes  float64      `json:"duration_minutes"`
	ExerciseType     ExerciseType `json:"exercise_type"`
	ImprovementTrend string       `json:"improvement_trend"`
}

// RealtimeMetrics is the aggregated snapshot the backend pushes
// periodically. Each inbound metrics event replaces the previous snapshot
// wholesale; nothing is merged.
type RealtimeMetrics struct {
	SpeechMetrics  SpeechMetrics  `json:"speech_metrics"`
	VisualSignals  VisualSignals  `json:"visual_signals"`
	SessionContext SessionContext `json:"session_context"`
}

// CoachResponse is one coach utterance, optionally with synthesized audio
// and an avatar stream handle.
type CoachResponse struct {
	ResponseText    string `json:"response_text"`
	AudioBase64     string `json:"audio_base64,omitempty"`
	AudioMimeType   string `json:"audio_mime_type,omitempty"`
	AvatarStreamURL string `json:"avatar_stream_url,omitempty"`
}

// VisualSignal is the outbound per-frame visual sample payload.
type VisualSignal struct {
	EyeContact   bool              `json:"eyeContact"`
	HeadPose     signal.HeadPose   `json:"headPose"`
	Expression   signal.Expression `json:"expression"`
	PostureScore float64           `json:"postureScore"`
}

// Callbacks receive demultiplexed inbound events. All callbacks fire on
// the read-loop goroutine in transport arrival order; unset callbacks are
// skipped.
type Callbacks struct {
	OnOpen           func()
	OnClose          func()
	OnError          func(message string)
	OnTranscript     func(text string, isFinal bool)
	OnMetrics        func(metrics RealtimeMetrics)
	OnCoachResponse  func(resp CoachResponse)
	OnStatus         func(state string)
	OnSessionSummary func(summary map[string]interface{})
}
