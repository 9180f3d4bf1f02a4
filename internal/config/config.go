// Package config assembles runtime configuration from defaults, an
// optional YAML file, and environment variables (highest precedence). A
// local .env file is loaded best-effort for development setups.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/speech-coach-lab/internal/logging"
	"github.com/speech-coach-lab/internal/signal"
)

const defaultPersonaID = "p3ef12851854"

// Provider configures the external avatar-conversation API.
type Provider struct {
	APIKey    string `yaml:"api_key"`
	PersonaID string `yaml:"persona_id"`
	BaseURL   string `yaml:"base_url"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// Backend configures the duplex signal-processing channel.
type Backend struct {
	URL        string `yaml:"url"`
	SummaryURL string `yaml:"summary_url"`
}

// Capture configures the audio pipeline.
type Capture struct {
	SampleRate       int    `yaml:"sample_rate"`
	BufferSamples    int    `yaml:"buffer_samples"`
	QueueDepth       int    `yaml:"queue_depth"`
	DumpDir          string `yaml:"dump_dir"`
	DumpRetentionMin int    `yaml:"dump_retention_min"`
	DumpMaxFiles     int    `yaml:"dump_max_files"`
}

// Face configures the video-signal path. An empty LandmarkerURL disables
// visual signals entirely.
type Face struct {
	LandmarkerURL string `yaml:"landmarker_url"`
	TimeoutMs     int    `yaml:"timeout_ms"`
}

// Heuristics holds the tunable visual-signal constants. They are
// empirical calibration values, not invariants.
type Heuristics struct {
	EyeContactLow     float64 `yaml:"eye_contact_low"`
	EyeContactHigh    float64 `yaml:"eye_contact_high"`
	SmileMouthWidth   float64 `yaml:"smile_mouth_width"`
	SmileMouthOpen    float64 `yaml:"smile_mouth_open"`
	TenseBrowEye      float64 `yaml:"tense_brow_eye"`
	AnimatedMouthOpen float64 `yaml:"animated_mouth_open"`
}

// Root is the full runtime configuration.
type Root struct {
	Provider   Provider   `yaml:"provider"`
	Backend    Backend    `yaml:"backend"`
	Capture    Capture    `yaml:"capture"`
	Face       Face       `yaml:"face"`
	Heuristics Heuristics `yaml:"heuristics"`
}

func defaults() *Root {
	return &Root{
		Provider: Provider{
			PersonaID: defaultPersonaID,
			BaseURL:   "https://tavusapi.com/v2",
			TimeoutMs: 15000,
		},
		Backend: Backend{
			URL: "ws://127.0.0.1:8000",
		},
		Capture: Capture{
			SampleRate:       48000,
			BufferSamples:    4096,
			QueueDepth:       64,
			DumpRetentionMin: 60,
			DumpMaxFiles:     200,
		},
		Face: Face{
			TimeoutMs: 2000,
		},
		Heuristics: Heuristics{
			EyeContactLow:     0.35,
			EyeContactHigh:    0.65,
			SmileMouthWidth:   0.085,
			SmileMouthOpen:    0.02,
			TenseBrowEye:      0.03,
			AnimatedMouthOpen: 0.055,
		},
	}
}

// Load builds the configuration. CONFIG_FILE points at an optional YAML
// file layered over the defaults; environment variables win over both.
func Load() (*Root, error) {
	if err := godotenv.Load(); err != nil {
		logging.Debugw("config: no .env file; relying on system environment")
	}

	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Root) {
	setString(&cfg.Provider.APIKey, "AVATAR_API_KEY")
	setString(&cfg.Provider.PersonaID, "AVATAR_PERSONA_ID")
	setString(&cfg.Provider.BaseURL, "AVATAR_BASE_URL")
	setInt(&cfg.Provider.TimeoutMs, "AVATAR_TIMEOUT_MS")

	setString(&cfg.Backend.URL, "BACKEND_WS_URL")
	setString(&cfg.Backend.SummaryURL, "SUMMARY_URL")

	setInt(&cfg.Capture.SampleRate, "CAPTURE_SAMPLE_RATE")
	setInt(&cfg.Capture.BufferSamples, "CAPTURE_BUFFER_SAMPLES")
	setInt(&cfg.Capture.QueueDepth, "CAPTURE_QUEUE_DEPTH")
	setString(&cfg.Capture.DumpDir, "CAPTURE_DUMP_DIR")
	setInt(&cfg.Capture.DumpRetentionMin, "CAPTURE_DUMP_RETENTION_MIN")
	setInt(&cfg.Capture.DumpMaxFiles, "CAPTURE_DUMP_MAX_FILES")

	setString(&cfg.Face.LandmarkerURL, "FACE_LANDMARKER_URL")
	setInt(&cfg.Face.TimeoutMs, "FACE_LANDMARKER_TIMEOUT_MS")

	setFloat(&cfg.Heuristics.EyeContactLow, "EYE_CONTACT_LOW")
	setFloat(&cfg.Heuristics.EyeContactHigh, "EYE_CONTACT_HIGH")
	setFloat(&cfg.Heuristics.SmileMouthWidth, "SMILE_MOUTH_WIDTH")
	setFloat(&cfg.Heuristics.SmileMouthOpen, "SMILE_MOUTH_OPEN")
	setFloat(&cfg.Heuristics.TenseBrowEye, "TENSE_BROW_EYE")
	setFloat(&cfg.Heuristics.AnimatedMouthOpen, "ANIMATED_MOUTH_OPEN")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		} else {
			logging.Warnw("config: invalid integer env value ignored", "key", key, "value", v)
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		} else {
			logging.Warnw("config: invalid float env value ignored", "key", key, "value", v)
		}
	}
}

// DumpRetention returns the capture dump retention as a duration.
func (c Capture) DumpRetention() time.Duration {
	return time.Duration(c.DumpRetentionMin) * time.Minute
}

// EyeContactBand returns the configured gaze band for the face extractor.
func (h Heuristics) EyeContactBand() signal.Band {
	return signal.Band{Low: h.EyeContactLow, High: h.EyeContactHigh}
}

// ExpressionThresholds returns the configured expression cascade cutoffs.
func (h Heuristics) ExpressionThresholds() signal.ExpressionThresholds {
	return signal.ExpressionThresholds{
		SmileMouthWidth:   h.SmileMouthWidth,
		SmileMouthOpen:    h.SmileMouthOpen,
		TenseBrowEye:      h.TenseBrowEye,
		AnimatedMouthOpen: h.AnimatedMouthOpen,
	}
}
