// Package protocol implements the persistent duplex channel to the
// signal-processing backend. Outbound audio/visual signals and control
// commands are framed as JSON records with a type discriminator; inbound
// transcript/metrics/coach-response/status/summary events are
// demultiplexed to callbacks in arrival order.
package protocol

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/speech-coach-lab/internal/logging"
)

// Client is a duplex message channel keyed by session identifier. It does
// not auto-reconnect: transport errors are surfaced once via OnError and
// the reconnection policy is the caller's decision.
type Client struct {
	baseURL   string
	callbacks Callbacks

	mu   sync.Mutex
	conn *websocket.Conn
	wg   sync.WaitGroup

	writeMu sync.Mutex
}

// NewClient prepares a client for the backend at baseURL. Connect dials
// `<base>/session/<sessionId>`.
func NewClient(baseURL string, callbacks Callbacks) *Client {
	return &Client{baseURL: baseURL, callbacks: callbacks}
}

// Connect dials the backend for the given session and starts the read
// loop. http(s) schemes are rewritten to ws(s).
func (c *Client) Connect(ctx context.Context, sessionID string) error {
	endpoint := strings.TrimRight(c.baseURL, "/") + "/session/" + sessionID
	u, err := url.Parse(endpoint)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	logging.Infow("protocol channel connected", "url", u.String(), "session_id", sessionID)
	if c.callbacks.OnOpen != nil {
		c.callbacks.OnOpen()
	}

	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

// IsConnected reports whether the channel currently holds an open socket.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Disconnect closes the socket and waits for the read loop to drain.
// Idempotent; safe during teardown races.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()
}

// readLoop dispatches inbound messages in the order the transport received
// them. A single malformed frame is dropped; it never terminates the
// channel.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			open := c.conn == conn
			c.conn = nil
			c.mu.Unlock()
			if open {
				// The socket failed underneath us rather than via Disconnect.
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.callbacks.OnError != nil {
					c.callbacks.OnError("websocket error: " + err.Error())
				}
				_ = conn.Close()
			}
			if c.callbacks.OnClose != nil {
				c.callbacks.OnClose()
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.Type == "" {
		logging.Debugw("dropping malformed inbound frame", "bytes", len(data))
		return
	}

	switch head.Type {
	case "error":
		var msg struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Debugw("dropping malformed error frame", "err", err)
			return
		}
		if msg.Message == "" {
			msg.Message = "unknown error"
		}
		if c.callbacks.OnError != nil {
			c.callbacks.OnError(msg.Message)
		}
	case "transcript":
		var msg struct {
			Transcription string `json:"transcription"`
			IsFinal       bool   `json:"is_final"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Debugw("dropping malformed transcript frame", "err", err)
			return
		}
		if c.callbacks.OnTranscript != nil {
			c.callbacks.OnTranscript(msg.Transcription, msg.IsFinal)
		}
	case "metrics":
		var msg struct {
			Data RealtimeMetrics `json:"data"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Debugw("dropping malformed metrics frame", "err", err)
			return
		}
		if c.callbacks.OnMetrics != nil {
			c.callbacks.OnMetrics(msg.Data)
		}
	case "coach_response":
		var msg CoachResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Debugw("dropping malformed coach_response frame", "err", err)
			return
		}
		if c.callbacks.OnCoachResponse != nil {
			c.callbacks.OnCoachResponse(msg)
		}
	case "status":
		var msg struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Debugw("dropping malformed status frame", "err", err)
			return
		}
		if c.callbacks.OnStatus != nil {
			c.callbacks.OnStatus(msg.State)
		}
	case "session_summary":
		var msg struct {
			Summary map[string]interface{} `json:"summary"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Debugw("dropping malformed session_summary frame", "err", err)
			return
		}
		if c.callbacks.OnSessionSummary != nil {
			c.callbacks.OnSessionSummary(msg.Summary)
		}
	default:
		logging.Debugw("ignoring inbound frame of unknown type", "type", head.Type)
	}
}

// send marshals and writes one outbound record. Sending on a non-open
// channel is a silent no-op so callers don't have to guard teardown races.
func (c *Client) send(v interface{}) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		logging.Debugw("protocol send failed", "err", err)
	}
}

// StartSession begins a session in the given exercise mode.
func (c *Client) StartSession(exerciseType ExerciseType) {
	c.send(map[string]interface{}{"type": "start_session", "exercise_type": exerciseType})
}

// SetExercise switches the exercise mode; the backend accepts this only
// while the session is idle.
func (c *Client) SetExercise(exerciseType ExerciseType) {
	c.send(map[string]interface{}{"type": "set_exercise", "exercise_type": exerciseType})
}

// PauseSession suspends analysis without tearing the channel down.
func (c *Client) PauseSession() {
	c.send(map[string]interface{}{"type": "pause_session"})
}

// ResumeSession continues a paused session.
func (c *Client) ResumeSession() {
	c.send(map[string]interface{}{"type": "resume_session"})
}

// EndSession asks the backend to finish and emit the session summary.
func (c *Client) EndSession() {
	c.send(map[string]interface{}{"type": "end_session"})
}

// UserInterrupt cancels any in-progress coach utterance. Takes effect on
// receipt; no acknowledgment comes back.
func (c *Client) UserInterrupt() {
	c.send(map[string]interface{}{"type": "user_interrupt"})
}

// SendVisualSignal streams one face sample.
func (c *Client) SendVisualSignal(sig VisualSignal) {
	c.send(map[string]interface{}{"type": "visual_signal", "payload": sig})
}

// SendAudioChunk streams one base64 PCM16 chunk with its metadata.
func (c *Client) SendAudioChunk(chunkBase64 string, sampleRate, channels int, rms float64) {
	c.send(map[string]interface{}{
		"type":        "audio_chunk",
		"chunk":       chunkBase64,
		"sample_rate": sampleRate,
		"channels":    channels,
		"rms":         rms,
	})
}
