package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/speech-coach-lab/internal/audio"
	"github.com/speech-coach-lab/internal/avatar"
	"github.com/speech-coach-lab/internal/config"
	"github.com/speech-coach-lab/internal/face"
	"github.com/speech-coach-lab/internal/logging"
	"github.com/speech-coach-lab/internal/playback"
	"github.com/speech-coach-lab/internal/protocol"
	"github.com/speech-coach-lab/internal/session"
)

func main() {
	sugar := logging.Init()
	if sugar == nil {
		l, _ := zap.NewProduction()
		defer l.Sync()
		sugar = l.Sugar()
	}

	cfg, err := config.Load()
	if err != nil {
		sugar.Fatalf("config load failed: %v", err)
	}

	var manager *avatar.Manager
	if cfg.Provider.APIKey != "" {
		manager = avatar.NewManager(cfg.Provider.APIKey, cfg.Provider.PersonaID, cfg.Provider.BaseURL, cfg.Provider.TimeoutMs)
	} else {
		sugar.Warnw("AVATAR_API_KEY not set, running without an avatar conversation")
	}

	dumper := audio.NewDumper(cfg.Capture.DumpDir)
	pipeline := audio.NewPipeline(cfg.Capture.BufferSamples, cfg.Capture.QueueDepth, dumper)
	mic := audio.NewMicSource(cfg.Capture.SampleRate)

	var player *playback.Player
	if p, err := playback.NewPlayer(); err != nil {
		sugar.Warnw("no playback device, coach audio will not be rendered locally", "err", err)
	} else {
		player = p
		defer player.Close()
	}

	opts := session.Options{
		NewClient: func(cb protocol.Callbacks) session.ProtocolClient {
			return protocol.NewClient(cfg.Backend.URL, cb)
		},
		Pipeline: pipeline,
		Source:   mic,
		Events: session.Events{
			OnStateChange: func(s session.State) {
				sugar.Infow("session state", "state", s)
			},
			OnTranscript: func(text string, isFinal bool) {
				if isFinal {
					sugar.Infow("transcript", "text", text)
				}
			},
			OnMetrics: func(m protocol.RealtimeMetrics) {
				sugar.Infow("metrics",
					"wpm", m.SpeechMetrics.WordsPerMinute,
					"filler_rate", m.SpeechMetrics.FillerWordRate,
					"eye_contact_pct", m.VisualSignals.EyeContactPercentage,
					"trend", m.SessionContext.ImprovementTrend)
			},
			OnCoachResponse: func(resp protocol.CoachResponse) {
				sugar.Infow("coach", "text", resp.ResponseText)
			},
			OnStatus: func(state string) {
				sugar.Debugw("backend status", "state", state)
			},
			OnError: func(message string) {
				sugar.Warnw("session error", "message", message)
			},
		},
	}
	if manager != nil {
		opts.Conversations = manager
	}
	if player != nil {
		opts.Playback = player
	}
	if sink := session.NewHTTPSummarySink(cfg.Backend.SummaryURL); sink != nil {
		opts.Summaries = sink
	}
	if cfg.Face.LandmarkerURL != "" {
		model := face.NewRemoteLandmarker(cfg.Face.LandmarkerURL, cfg.Face.TimeoutMs)
		opts.Extractor = face.NewExtractor(model, cfg.Heuristics.EyeContactBand(), cfg.Heuristics.ExpressionThresholds())
	} else {
		sugar.Infow("FACE_LANDMARKER_URL not set, visual signals disabled")
	}
	orch := session.New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	if cfg.Capture.DumpDir != "" {
		wg.Add(1)
		audio.StartDumpCleaner(ctx, &wg, cfg.Capture.DumpDir,
			cfg.Capture.DumpRetention(), time.Minute, cfg.Capture.DumpMaxFiles)
	}

	exercise := protocol.ExerciseFreeTalk
	if v := os.Getenv("EXERCISE_TYPE"); v != "" {
		exercise = protocol.ExerciseType(v)
	}
	if err := orch.SetExercise(exercise); err != nil {
		sugar.Fatalf("set exercise: %v", err)
	}
	if err := orch.Start(ctx); err != nil {
		sugar.Fatalf("session start failed: %v", err)
	}
	conv := orch.Conversation()
	if conv.URL != "" {
		sugar.Infow("avatar conversation ready", "url", conv.URL)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	sugar.Infow("shutdown signal received, ending session")

	if err := orch.End(context.Background()); err != nil {
		sugar.Warnf("session end: %v", err)
	}
	cancel()
	wg.Wait()

	if l := zap.L(); l != nil {
		_ = l.Sync()
	}
	sugar.Info("shutdown complete")
}
