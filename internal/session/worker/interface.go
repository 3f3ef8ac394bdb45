package worker

import (
	"context"

	"sutfleet/internal/session"

	"github.com/hibiken/asynq"
)

type SessionWorker interface {
	HandleSessionStart(ctx context.Context, task *asynq.Task) error
}

// Starter is the part of the fleet manager the start task needs.
type Starter interface {
	Start(name string, settings *session.SharedSettings) (bool, error)
}
