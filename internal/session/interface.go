package session

import (
	"context"
	"log/slog"
	"time"
)

// Config is a validated game configuration. The controller only inspects its
// metadata; executing it is the engine's concern.
type Config interface {
	IsStepBased() bool
	GameMetadata() map[string]any
}

type ConfigLoader interface {
	Load(path string) (Config, error)
}

type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeCancelled Outcome = "cancelled"
)

// ProgressFunc receives step progress from an engine.
type ProgressFunc func(completed, total int, label string)

type RunRequest struct {
	Session  string
	Run      int
	RunDir   string
	Endpoint Endpoint
	Progress ProgressFunc
	Logger   *slog.Logger
}

// Engine executes one run. It must return promptly once ctx is cancelled at
// its next checkpoint.
type Engine interface {
	Run(ctx context.Context, req RunRequest) (Outcome, error)
}

type EngineFactory interface {
	NewEngine(cfg Config, settings SharedSettings) (Engine, error)
}

type LaunchRequest struct {
	Path        string `json:"path"`
	ProcessID   string `json:"process_id"`
	StartupWait int    `json:"startup_wait"`
}

type Launcher interface {
	Launch(ctx context.Context, ep Endpoint, req LaunchRequest) error
}

type BatchRepository interface {
	Create(ctx context.Context, batch *Batch) error
	Finish(ctx context.Context, id string, status SessionStatus, runsCompleted int, finishedAt time.Time) error
	ListBySession(ctx context.Context, session string, limit int) ([]*Batch, error)
	ListByStatus(ctx context.Context, statuses []SessionStatus) ([]*Batch, error)
	// Latest returns the newest batch of session or ErrBatchNotFound.
	Latest(ctx context.Context, session string) (*Batch, error)
}

// Scheduler defers a session start.
type Scheduler interface {
	Schedule(ctx context.Context, session string, settings *SharedSettings, delay time.Duration) (string, error)
}

// Metrics receives controller observations. monitor.SessionRecorder implements it.
type Metrics interface {
	WorkerStarted()
	WorkerExited()
	RunFinished(outcome string)
	BatchFinished(status string)
}
