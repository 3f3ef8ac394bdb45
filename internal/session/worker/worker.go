package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sutfleet/internal/session"

	"github.com/hibiken/asynq"
)

var _ SessionWorker = (*StartTaskHandler)(nil)

// StartTaskHandler runs deferred session starts delivered through asynq.
type StartTaskHandler struct {
	starter Starter
	logger  *slog.Logger
}

func NewStartTaskHandler(starter Starter, logger *slog.Logger) *StartTaskHandler {
	return &StartTaskHandler{
		starter: starter,
		logger:  logger.With("component", "session-worker"),
	}
}

func (w *StartTaskHandler) HandleSessionStart(ctx context.Context, task *asynq.Task) error {
	var payload session.SessionStartPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		w.logger.Error("Failed to unmarshal payload", "error", err)
		return fmt.Errorf("json unmarshal error: %v: %w", err, asynq.SkipRetry)
	}
	if payload.Session == "" {
		return fmt.Errorf("start task without session name: %w", asynq.SkipRetry)
	}

	w.logger.Info("Processing session start task", "session", payload.Session)
	started, err := w.starter.Start(payload.Session, payload.Settings)
	if errors.Is(err, session.ErrSessionNotFound) {
		w.logger.Warn("Session no longer exists", "session", payload.Session)
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	if !started {
		// Already running or misconfigured: the controller has logged why and
		// retrying would not change the answer.
		w.logger.Warn("Deferred start refused", "session", payload.Session)
		return nil
	}

	w.logger.Info("Session started from task", "session", payload.Session)
	return nil
}

// Register wires the handler into an asynq mux.
func (w *StartTaskHandler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(session.SessionStartTask, w.HandleSessionStart)
}

// Enqueuer is the part of *asynq.Client the scheduler uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

var _ session.Scheduler = (*AsynqScheduler)(nil)

type AsynqScheduler struct {
	client Enqueuer
	queue  string
	logger *slog.Logger
}

func NewAsynqScheduler(client Enqueuer, queue string, logger *slog.Logger) *AsynqScheduler {
	if queue == "" {
		queue = "default"
	}
	return &AsynqScheduler{client: client, queue: queue, logger: logger.With("component", "session-scheduler")}
}

// NewStartTask builds the task that starts name after it is dequeued.
func NewStartTask(name string, settings *session.SharedSettings) (*asynq.Task, error) {
	payload, err := json.Marshal(session.SessionStartPayload{Session: name, Settings: settings})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(session.SessionStartTask, payload, asynq.MaxRetry(3)), nil
}

func (s *AsynqScheduler) Schedule(ctx context.Context, name string, settings *session.SharedSettings, delay time.Duration) (string, error) {
	task, err := NewStartTask(name, settings)
	if err != nil {
		return "", fmt.Errorf("build start task: %w", err)
	}

	info, err := s.client.EnqueueContext(ctx, task, asynq.ProcessIn(delay), asynq.Queue(s.queue))
	if err != nil {
		return "", fmt.Errorf("enqueue start task: %w", err)
	}

	s.logger.Info("Session start scheduled", "session", name, "task_id", info.ID, "delay", delay)
	return info.ID, nil
}
