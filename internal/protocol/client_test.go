package protocol

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newTestBackend upgrades incoming requests and hands the server-side
// socket to the test over a channel.
func newTestBackend(t *testing.T) (*httptest.Server, chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)
	return srv, conns
}

type event struct {
	kind    string
	payload interface{}
}

func waitEvent(t *testing.T, events <-chan event) event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return event{}
	}
}

// TestInboundDemux streams one frame of every inbound kind (plus a
// malformed one) and verifies arrival-order dispatch with the malformed
// frame silently dropped.
func TestInboundDemux(t *testing.T) {
	srv, conns := newTestBackend(t)

	events := make(chan event, 16)
	client := NewClient(srv.URL, Callbacks{
		OnOpen:       func() { events <- event{kind: "open"} },
		OnClose:      func() { events <- event{kind: "close"} },
		OnError:      func(msg string) { events <- event{kind: "error", payload: msg} },
		OnTranscript: func(text string, isFinal bool) { events <- event{kind: "transcript", payload: text} },
		OnMetrics: func(m RealtimeMetrics) {
			events <- event{kind: "metrics", payload: m}
		},
		OnCoachResponse: func(resp CoachResponse) { events <- event{kind: "coach", payload: resp} },
		OnStatus:        func(state string) { events <- event{kind: "status", payload: state} },
		OnSessionSummary: func(summary map[string]interface{}) {
			events <- event{kind: "summary", payload: summary}
		},
	})

	if err := client.Connect(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Disconnect()
	server := <-conns

	if ev := waitEvent(t, events); ev.kind != "open" {
		t.Fatalf("first event = %q, want open", ev.kind)
	}

	frames := []string{
		`{not json`,
		`{"type":"transcript","transcription":"hello there","is_final":true}`,
		`{"type":"metrics","data":{"speech_metrics":{"words_per_minute":120,"total_words":40},"visual_signals":{"eye_contact_percentage":80},"session_context":{"exercise_type":"free_talk","improvement_trend":"positive"}}}`,
		`{"type":"coach_response","response_text":"Nice pacing.","audio_mime_type":"audio/wav"}`,
		`{"type":"status","state":"coach_thinking"}`,
		`{"type":"session_summary","summary":{"avg_wpm":118.5}}`,
		`{"type":"error","message":"STT error: stream reset"}`,
	}
	for _, f := range frames {
		if err := server.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			t.Fatalf("server write: %v", err)
		}
	}

	wantKinds := []string{"transcript", "metrics", "coach", "status", "summary", "error"}
	for _, want := range wantKinds {
		ev := waitEvent(t, events)
		if ev.kind != want {
			t.Fatalf("event = %q, want %q (arrival order must be preserved)", ev.kind, want)
		}
		switch want {
		case "transcript":
			if ev.payload != "hello there" {
				t.Fatalf("transcript payload = %v", ev.payload)
			}
		case "metrics":
			m := ev.payload.(RealtimeMetrics)
			if m.SpeechMetrics.WordsPerMinute != 120 || m.SessionContext.ExerciseType != ExerciseFreeTalk {
				t.Fatalf("metrics payload = %+v", m)
			}
		case "coach":
			resp := ev.payload.(CoachResponse)
			if resp.ResponseText != "Nice pacing." || resp.AudioMimeType != "audio/wav" {
				t.Fatalf("coach payload = %+v", resp)
			}
		case "status":
			if ev.payload != "coach_thinking" {
				t.Fatalf("status payload = %v", ev.payload)
			}
		case "summary":
			s := ev.payload.(map[string]interface{})
			if s["avg_wpm"] != 118.5 {
				t.Fatalf("summary payload = %v", s)
			}
		case "error":
			if ev.payload != "STT error: stream reset" {
				t.Fatalf("error payload = %v", ev.payload)
			}
		}
	}
}

// TestOutboundFraming checks the wire shape of control and data messages.
func TestOutboundFraming(t *testing.T) {
	srv, conns := newTestBackend(t)
	client := NewClient(srv.URL, Callbacks{})
	if err := client.Connect(context.Background(), "sess-2"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Disconnect()
	server := <-conns

	read := func() map[string]interface{} {
		var m map[string]interface{}
		server.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := server.ReadJSON(&m); err != nil {
			t.Fatalf("server read: %v", err)
		}
		return m
	}

	client.StartSession(ExerciseElevatorPitch)
	if m := read(); m["type"] != "start_session" || m["exercise_type"] != "elevator_pitch" {
		t.Fatalf("start_session frame = %v", m)
	}

	client.SendAudioChunk("QUJD", 16000, 1, 0.25)
	m := read()
	if m["type"] != "audio_chunk" || m["chunk"] != "QUJD" {
		t.Fatalf("audio_chunk frame = %v", m)
	}
	if m["sample_rate"] != float64(16000) || m["channels"] != float64(1) || m["rms"] != 0.25 {
		t.Fatalf("audio_chunk metadata = %v", m)
	}

	client.SendVisualSignal(VisualSignal{EyeContact: true, PostureScore: 0.9})
	m = read()
	if m["type"] != "visual_signal" {
		t.Fatalf("visual_signal frame = %v", m)
	}
	payload := m["payload"].(map[string]interface{})
	if payload["eyeContact"] != true || payload["postureScore"] != 0.9 {
		t.Fatalf("visual_signal payload = %v", payload)
	}

	client.UserInterrupt()
	if m := read(); m["type"] != "user_interrupt" {
		t.Fatalf("user_interrupt frame = %v", m)
	}

	client.EndSession()
	if m := read(); m["type"] != "end_session" {
		t.Fatalf("end_session frame = %v", m)
	}
}

// TestSendOnClosedChannelIsNoop verifies sends after disconnect neither
// panic nor error; teardown races are the caller's normal case.
func TestSendOnClosedChannelIsNoop(t *testing.T) {
	srv, conns := newTestBackend(t)

	closed := make(chan struct{})
	client := NewClient(srv.URL, Callbacks{
		OnClose: func() { close(closed) },
	})
	if err := client.Connect(context.Background(), "sess-3"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-conns

	client.Disconnect()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("OnClose not invoked after disconnect")
	}

	if client.IsConnected() {
		t.Fatalf("client still reports connected after disconnect")
	}
	client.SendAudioChunk("QUJD", 16000, 1, 0)
	client.PauseSession()
	client.ResumeSession()
	client.SetExercise(ExerciseImpromptu)
}

// TestTransportErrorSurfaced drops the server side abruptly and expects a
// single error callback followed by close.
func TestTransportErrorSurfaced(t *testing.T) {
	srv, conns := newTestBackend(t)

	events := make(chan event, 4)
	client := NewClient(srv.URL, Callbacks{
		OnError: func(msg string) { events <- event{kind: "error", payload: msg} },
		OnClose: func() { events <- event{kind: "close"} },
	})
	if err := client.Connect(context.Background(), "sess-4"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	server := <-conns

	// Abrupt close of the underlying TCP connection, no close handshake.
	_ = server.UnderlyingConn().Close()

	ev := waitEvent(t, events)
	if ev.kind != "error" {
		t.Fatalf("first event = %q, want error", ev.kind)
	}
	if ev := waitEvent(t, events); ev.kind != "close" {
		t.Fatalf("second event = %q, want close", ev.kind)
	}
}
