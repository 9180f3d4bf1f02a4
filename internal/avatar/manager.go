// Package avatar manages video-avatar conversations on the hosted
// provider: creation with capacity-aware retry, listing, and teardown.
package avatar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/speech-coach-lab/internal/logging"
	"github.com/speech-coach-lab/internal/protocol"
)

const (
	// conversationNamePrefix tags every conversation this process creates so
	// capacity cleanup can tell ours apart from anything else on the account.
	conversationNamePrefix = "speech-coach-"
	maxConversationName    = 120
)

var (
	// ErrProviderUnavailable covers missing provider configuration and
	// transport-level failures reaching the provider.
	ErrProviderUnavailable = errors.New("avatar provider unavailable")
	// ErrProviderRejected covers non-2xx responses other than capacity
	// exhaustion.
	ErrProviderRejected = errors.New("avatar provider rejected request")
	// ErrProviderResponseInvalid covers 2xx responses whose body cannot be
	// decoded.
	ErrProviderResponseInvalid = errors.New("avatar provider response invalid")
)

// Conversation is one live avatar conversation.
type Conversation struct {
	ID     string `json:"conversation_id"`
	URL    string `json:"conversation_url"`
	Status string `json:"status"`
}

type listedConversation struct {
	ID        string `json:"conversation_id"`
	Name      string `json:"conversation_name"`
	CreatedAt string `json:"created_at"`
}

// Manager drives the provider's conversation API. Safe for concurrent use;
// it holds no mutable state beyond the http.Client.
type Manager struct {
	apiKey    string
	personaID string
	baseURL   string
	client    *http.Client
}

// NewManager builds a manager against baseURL (no trailing slash needed).
// timeoutMs bounds each provider call.
func NewManager(apiKey, personaID, baseURL string, timeoutMs int) *Manager {
	if timeoutMs <= 0 {
		timeoutMs = 10000
	}
	return &Manager{
		apiKey:    apiKey,
		personaID: personaID,
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
	}
}

// greetings keyed by exercise mode. Unknown modes fall back to the
// free-talk greeting.
var greetings = map[protocol.ExerciseType]string{
	protocol.ExerciseFreeTalk:      "Hi! I'm your speaking coach. Talk to me about anything on your mind, and I'll give you feedback on your delivery as we go. What would you like to talk about?",
	protocol.ExerciseElevatorPitch: "Welcome to elevator pitch practice! You have 60 seconds to pitch me an idea, a product, or yourself. I'll time you and give feedback on clarity and impact. Ready when you are!",
	protocol.ExerciseStorytelling:  "Story time! Tell me a story about anything, a memorable experience, a trip, a challenge you overcame. I'll coach you on narrative structure, pacing, and engagement. Take it away!",
	protocol.ExerciseDebate:        "Let's debate! Pick any topic and a position, and defend it. I'll push back with counterarguments and coach you on persuasiveness. What's your topic?",
	protocol.ExerciseEyeContact:    "This drill is all about eye contact. Keep your eyes on me while you speak, and I'll track how well you hold my gaze. Start talking about your day!",
	protocol.ExerciseFillerWords:   "In this drill we hunt filler words. Speak about any topic, and every time you say um, uh, like, or you know, I'll call it out. Let's see how clean you can keep it!",
	protocol.ExercisePowerPause:    "Power pause practice! Instead of fillers, use deliberate silences. Speak about any topic and make your pauses intentional. I'll track how you do. Begin!",
	protocol.ExerciseImpromptu:     "Impromptu speaking! I'll give you a topic and you speak about it for two minutes, no preparation. Your topic is: describe a piece of technology that changed your life. Go!",
}

// exerciseLabels are the human-readable names used in the conversational
// context string.
var exerciseLabels = map[protocol.ExerciseType]string{
	protocol.ExerciseFreeTalk:      "free talk",
	protocol.ExerciseElevatorPitch: "elevator pitch",
	protocol.ExerciseStorytelling:  "storytelling",
	protocol.ExerciseDebate:        "debate",
	protocol.ExerciseEyeContact:    "eye contact drill",
	protocol.ExerciseFillerWords:   "filler word elimination",
	protocol.ExercisePowerPause:    "power pause",
	protocol.ExerciseImpromptu:     "impromptu speaking",
}

func greetingFor(exerciseType protocol.ExerciseType) string {
	if g, ok := greetings[exerciseType]; ok {
		return g
	}
	return greetings[protocol.ExerciseFreeTalk]
}

func contextFor(exerciseType protocol.ExerciseType) string {
	label, ok := exerciseLabels[exerciseType]
	if !ok {
		label = exerciseLabels[protocol.ExerciseFreeTalk]
	}
	return fmt.Sprintf("Current exercise mode: %s. Lead the session proactively, give concrete feedback on delivery, and keep the speaker talking.", label)
}

func conversationName(sessionID string) string {
	name := conversationNamePrefix + sessionID
	if len(name) > maxConversationName {
		name = name[:maxConversationName]
	}
	return name
}

// Create starts a conversation for the session. On capacity exhaustion it
// ends one stale conversation and retries exactly once.
func (m *Manager) Create(ctx context.Context, sessionID string, exerciseType protocol.ExerciseType) (Conversation, error) {
	if m.apiKey == "" {
		return Conversation{}, fmt.Errorf("%w: api key not configured", ErrProviderUnavailable)
	}
	conv, err := m.create(ctx, sessionID, exerciseType)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, errCapacity) {
		return Conversation{}, err
	}

	logging.Warnw("avatar capacity exhausted, attempting cleanup", "session_id", sessionID)
	if cerr := m.endStalest(ctx); cerr != nil {
		logging.Warnw("avatar cleanup failed", "err", cerr)
	}
	conv, err = m.create(ctx, sessionID, exerciseType)
	if err != nil {
		if errors.Is(err, errCapacity) {
			return Conversation{}, fmt.Errorf("%w: at capacity after cleanup", ErrProviderRejected)
		}
		return Conversation{}, err
	}
	return conv, nil
}

// errCapacity is internal: capacity exhaustion triggers the cleanup path
// inside Create and never escapes.
var errCapacity = errors.New("avatar provider at capacity")

func (m *Manager) create(ctx context.Context, sessionID string, exerciseType protocol.ExerciseType) (Conversation, error) {
	payload := map[string]interface{}{
		"persona_id":             m.personaID,
		"conversation_name":      conversationName(sessionID),
		"custom_greeting":        greetingFor(exerciseType),
		"conversational_context": contextFor(exerciseType),
	}
	body, _ := json.Marshal(payload)

	resp, err := m.do(ctx, http.MethodPost, m.baseURL+"/conversations", body)
	if err != nil {
		return Conversation{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return Conversation{}, errCapacity
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if strings.Contains(strings.ToLower(string(raw)), "maximum concurrent conversations") {
			return Conversation{}, errCapacity
		}
		return Conversation{}, fmt.Errorf("%w: status %d: %s", ErrProviderRejected, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var conv Conversation
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		return Conversation{}, fmt.Errorf("%w: %v", ErrProviderResponseInvalid, err)
	}
	if conv.ID == "" || conv.URL == "" {
		return Conversation{}, fmt.Errorf("%w: missing conversation_id or conversation_url", ErrProviderResponseInvalid)
	}
	logging.Infow("avatar conversation created",
		append(logging.ConversationFields(conv.ID, conversationName(sessionID)),
			"session_id", sessionID, "exercise_type", exerciseType)...)
	return conv, nil
}

// listActive returns the provider's active conversations for capacity
// cleanup.
func (m *Manager) listActive(ctx context.Context) ([]listedConversation, error) {
	resp, err := m.do(ctx, http.MethodGet, m.baseURL+"/conversations?status=active", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: list status %d", ErrProviderRejected, resp.StatusCode)
	}
	var out struct {
		Data []listedConversation `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderResponseInvalid, err)
	}
	return out.Data, nil
}

// endStalest frees one slot. Conversations carrying our name prefix are
// preferred victims; otherwise the oldest active conversation goes.
func (m *Manager) endStalest(ctx context.Context) error {
	active, err := m.listActive(ctx)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return errors.New("no active conversations to clean up")
	}

	var victim *listedConversation
	for i := range active {
		if strings.HasPrefix(active[i].Name, conversationNamePrefix) {
			victim = &active[i]
			break
		}
	}
	if victim == nil {
		sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt < active[j].CreatedAt })
		victim = &active[0]
	}
	logging.Infow("ending stale avatar conversation", logging.ConversationFields(victim.ID, victim.Name)...)
	return m.End(ctx, victim.ID)
}

// End deletes a conversation. A 404 counts as success; the slot is free
// either way.
func (m *Manager) End(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return nil
	}
	resp, err := m.do(ctx, http.MethodDelete, m.baseURL+"/conversations/"+conversationID, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: end status %d", ErrProviderRejected, resp.StatusCode)
	}
	logging.Infow("avatar conversation ended", logging.ConversationFields(conversationID, "")...)
	return nil
}

func (m *Manager) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", m.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return m.client.Do(req)
}
