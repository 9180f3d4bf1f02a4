package face

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"strings"
	"time"

	"github.com/speech-coach-lab/internal/signal"
)

// RemoteLandmarker calls a landmark-model service over HTTP. The frame
// goes out PNG-encoded, the ordered landmark list comes back as JSON; an
// empty list means no face in the frame.
type RemoteLandmarker struct {
	url    string
	client *http.Client
}

// NewRemoteLandmarker builds a landmarker against the detect endpoint.
// timeoutMs bounds each call; frames arriving after the deadline are
// stale anyway.
func NewRemoteLandmarker(url string, timeoutMs int) *RemoteLandmarker {
	if timeoutMs <= 0 {
		timeoutMs = 2000
	}
	return &RemoteLandmarker{
		url:    strings.TrimRight(url, "/"),
		client: &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
	}
}

// DetectForVideo implements Landmarker over the remote model.
func (r *RemoteLandmarker) DetectForVideo(frame image.Image, timestampMs int64) ([]signal.Point, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, frame); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("%s?timestamp_ms=%d", r.url, timestampMs), &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/png")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("landmark service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("landmark service: status %d", resp.StatusCode)
	}

	var out struct {
		Landmarks []signal.Point `json:"landmarks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("landmark service: decode: %w", err)
	}
	return out.Landmarks, nil
}
