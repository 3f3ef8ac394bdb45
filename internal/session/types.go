package session

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"
)

type SessionStatus string

const (
	StatusIdle      SessionStatus = "Idle"
	StatusRunning   SessionStatus = "Running"
	StatusCompleted SessionStatus = "Completed"
	StatusFailed    SessionStatus = "Failed"
	StatusStopped   SessionStatus = "Stopped"
	StatusError     SessionStatus = "Error"
)

func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped, StatusError:
		return true
	}
	return false
}

// Color is the display hint for a status.
func (s SessionStatus) Color() string {
	switch s {
	case StatusIdle:
		return "yellow"
	case StatusRunning:
		return "green"
	case StatusCompleted:
		return "blue"
	case StatusFailed, StatusError:
		return "red"
	case StatusStopped:
		return "orange"
	}
	return "gray"
}

// CanTransition reports whether moving from s to next is legal. A terminal
// state may only be left by a restart (Running) or a failed restart (Error).
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case StatusIdle:
		return next == StatusRunning || next == StatusError
	case StatusRunning:
		return next.IsTerminal()
	case StatusCompleted, StatusFailed, StatusStopped, StatusError:
		return next == StatusRunning || next == StatusError
	}
	return false
}

type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// BaseURL is the SUT service root.
func (e Endpoint) BaseURL() string {
	return "http://" + e.String()
}

type RunPolicy struct {
	IterationCount             int
	InterIterationDelaySeconds int
}

// Record is the persisted form of a session. Live state is never part of it.
type Record struct {
	Name                       string   `json:"name"`
	Endpoint                   Endpoint `json:"endpoint"`
	ConfigPath                 string   `json:"configPath"`
	LaunchTarget               string   `json:"launchTarget"`
	IterationCount             int      `json:"iterationCount"`
	InterIterationDelaySeconds int      `json:"interIterationDelaySeconds"`
}

const (
	DefaultPort           = 8080
	DefaultIterationCount = 3
	DefaultDelaySeconds   = 30
)

// UnmarshalJSON fills absent fields with the defaults a fleet file assumes.
func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	p := plain{
		Endpoint:                   Endpoint{Port: DefaultPort},
		IterationCount:             DefaultIterationCount,
		InterIterationDelaySeconds: DefaultDelaySeconds,
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = Record(p)
	return nil
}

func (r Record) Policy() RunPolicy {
	return RunPolicy{IterationCount: r.IterationCount, InterIterationDelaySeconds: r.InterIterationDelaySeconds}
}

func (r Record) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRecord)
	}
	if r.Endpoint.Port < 0 || r.Endpoint.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidRecord, r.Endpoint.Port)
	}
	if r.IterationCount < 1 {
		return fmt.Errorf("%w: iterationCount must be at least 1", ErrInvalidRecord)
	}
	if r.InterIterationDelaySeconds < 0 {
		return fmt.Errorf("%w: interIterationDelaySeconds must not be negative", ErrInvalidRecord)
	}
	return nil
}

// SharedSettings apply to every session in the fleet and are copied at start.
type SharedSettings struct {
	VisionModel   string `json:"vision_model"`
	OmniparserURL string `json:"omniparser_url"`
	// LMStudioURL and MaxIterations are carried for fleet files that set them.
	// No engine reads them.
	LMStudioURL   string `json:"lm_studio_url"`
	MaxIterations int    `json:"max_iterations"`
	LogLevel      string `json:"log_level"`
}

func DefaultSharedSettings() SharedSettings {
	return SharedSettings{
		VisionModel:   "omniparser",
		OmniparserURL: "http://localhost:9000",
		LMStudioURL:   "http://127.0.0.1:1234",
		MaxIterations: 50,
		LogLevel:      "INFO",
	}
}

// Snapshot is a point-in-time view of a controller for polling.
type Snapshot struct {
	Name             string        `json:"name"`
	Status           SessionStatus `json:"status"`
	Color            string        `json:"color"`
	Running          bool          `json:"running"`
	CurrentIteration int           `json:"currentIteration"`
	TotalIterations  int           `json:"totalIterations"`
	CompletedSteps   int           `json:"completedSteps"`
	TotalSteps       int           `json:"totalSteps"`
	CurrentStepLabel string        `json:"currentStepLabel"`
	OutputDirectory  string        `json:"outputDirectory"`
	BatchID          string        `json:"batchId,omitempty"`
	LastError        string        `json:"lastError,omitempty"`
}

// Batch is one start() invocation as stored in batch history.
type Batch struct {
	ID            string        `json:"id"`
	Session       string        `json:"session"`
	Status        SessionStatus `json:"status"`
	Dir           string        `json:"dir"`
	RunsPlanned   int           `json:"runsPlanned"`
	RunsCompleted int           `json:"runsCompleted"`
	StartedAt     time.Time     `json:"startedAt"`
	FinishedAt    time.Time     `json:"finishedAt,omitzero"`
}

// FleetFile is the on-disk fleet description.
type FleetFile struct {
	Version        string         `json:"version"`
	SharedSettings SharedSettings `json:"shared_settings"`
	SUTs           []Record       `json:"suts"`
}

const FleetFileVersion = "1.0"

const SessionStartTask = "session:start"

type SessionStartPayload struct {
	Session  string          `json:"session"`
	Settings *SharedSettings `json:"settings,omitempty"`
}
