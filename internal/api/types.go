package api

import (
	"time"

	"sutfleet/internal/broker"
	"sutfleet/internal/logchan"
	"sutfleet/internal/session"
)

const serviceVersion = "1.0.0"

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ErrorResponse is the control surface error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// BrokerErrorResponse is the broker error body.
type BrokerErrorResponse struct {
	StatusCode int    `json:"statusCode"`
	Detail     string `json:"detail"`
}

type ProbeResponse struct {
	Service            string        `json:"service"`
	Version            string        `json:"version"`
	QueueServiceStatus string        `json:"queue_service_status"`
	OmniparserStatus   broker.Health `json:"omniparser_status"`
	Stats              broker.Stats  `json:"stats"`
}

type ServiceInfoResponse struct {
	Service      string            `json:"service"`
	Version      string            `json:"version"`
	TargetServer string            `json:"target_server"`
	Endpoints    map[string]string `json:"endpoints"`
}

type SessionResponse struct {
	Record   session.Record   `json:"record"`
	Snapshot session.Snapshot `json:"snapshot"`
}

type SessionListResponse struct {
	Sessions []session.Snapshot `json:"sessions"`
}

type StartRequest struct {
	DelaySeconds int                     `json:"delay_seconds" binding:"gte=0"`
	Settings     *session.SharedSettings `json:"settings"`
}

type StartResponse struct {
	Started bool   `json:"started"`
	Status  string `json:"status"`
	TaskID  string `json:"task_id,omitempty"`
}

type StopResponse struct {
	Stopped bool   `json:"stopped"`
	Status  string `json:"status"`
}

type LogsResponse struct {
	Entries []logchan.Entry `json:"entries"`
	LastSeq uint64          `json:"last_seq"`
}

type BatchListResponse struct {
	Batches []*session.Batch `json:"batches"`
}

type FleetStartResponse struct {
	Started []string `json:"started"`
}

type FleetStopResponse struct {
	Stopped int `json:"stopped"`
}

type FleetSaveResponse struct {
	Path     string `json:"path"`
	Sessions int    `json:"sessions"`
}

// SSEEvent is one server-sent session event.
type SSEEvent struct {
	Type      string `json:"type"`
	Session   string `json:"session"`
	Payload   any    `json:"payload"`
	Timestamp string `json:"timestamp"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
