package eventbus

import "time"

type EventType string

const (
	EventSessionStatus   EventType = "session.status"
	EventSessionRun      EventType = "session.run"
	EventSessionProgress EventType = "session.progress"
)

type Event struct {
	Type      EventType `json:"type"`
	Session   string    `json:"session"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusPayload accompanies session.status events.
type StatusPayload struct {
	Status  string `json:"status"`
	BatchID string `json:"batch_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// RunPayload accompanies session.run events.
type RunPayload struct {
	Run       int    `json:"run"`
	Total     int    `json:"total"`
	OutputDir string `json:"output_dir"`
}

// ProgressPayload accompanies session.progress events.
type ProgressPayload struct {
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Label     string `json:"label"`
}

func SessionChannelKey(session string) string {
	return "sutfleet:session:" + session + ":events"
}
