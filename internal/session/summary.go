package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/speech-coach-lab/internal/logging"
)

// HTTPSummarySink posts final session summaries to an external store,
// keyed by session id for upsert semantics. Failures are logged and
// swallowed; summary persistence never blocks or fails a session.
type HTTPSummarySink struct {
	URL      string
	Client   *http.Client
	Attempts int
}

// NewHTTPSummarySink returns nil when no URL is configured so callers can
// pass the result straight through.
func NewHTTPSummarySink(url string) *HTTPSummarySink {
	if url == "" {
		return nil
	}
	return &HTTPSummarySink{
		URL:      url,
		Client:   &http.Client{Timeout: 10 * time.Second},
		Attempts: 3,
	}
}

// Publish upserts one summary with retry/backoff for transient failures.
// A nil receiver is a no-op so an unconfigured sink stays safe even when
// it was stored through the SummarySink interface.
func (s *HTTPSummarySink) Publish(sessionID string, summary map[string]interface{}) {
	if s == nil {
		return
	}
	payload := map[string]interface{}{
		"session_id": sessionID,
		"summary":    summary,
		"ended_utc":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		logging.Warnw("summary sink: marshal failed", "err", err, "session_id", sessionID)
		return
	}

	attempts := s.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
		if rerr != nil {
			cancel()
			logging.Warnw("summary sink: new request error", "err", rerr, "session_id", sessionID)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.Client.Do(req)
		cancel()
		if err != nil {
			logging.Debugw("summary sink: post attempt failed", "attempt", i+1, "err", err, "session_id", sessionID)
			if i < attempts-1 {
				time.Sleep(time.Duration(200*(1<<i)) * time.Millisecond)
				continue
			}
			logging.Warnw("summary sink: giving up", "err", err, "session_id", sessionID)
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 && i < attempts-1 {
			logging.Debugw("summary sink: server error, retrying", "status", resp.StatusCode, "attempt", i+1)
			time.Sleep(time.Duration(200*(1<<i)) * time.Millisecond)
			continue
		}
		if resp.StatusCode >= 300 {
			logging.Warnw("summary sink: rejected", "status", resp.StatusCode, "session_id", sessionID)
			return
		}
		logging.Infow("session summary persisted", "session_id", sessionID)
		return
	}
}
