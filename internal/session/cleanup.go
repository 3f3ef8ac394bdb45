package session

import (
	"context"
	"log/slog"
	"time"
)

type ReaperConfig struct {
	Interval time.Duration
	// MaxAge is how long a batch may stay Running before it is considered abandoned.
	MaxAge time.Duration
}

// BatchReaper marks batches that are still Running in history but have no
// live worker (for example after a crash) as Error.
type BatchReaper struct {
	repo     BatchRepository
	isActive func(session string) bool
	logger   *slog.Logger
	config   ReaperConfig
	stopCh   chan struct{}
	now      func() time.Time
}

func NewBatchReaper(repo BatchRepository, isActive func(session string) bool, config ReaperConfig, logger *slog.Logger) *BatchReaper {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.MaxAge <= 0 {
		config.MaxAge = 24 * time.Hour
	}
	return &BatchReaper{
		repo:     repo,
		isActive: isActive,
		logger:   logger.With("component", "batch-reaper"),
		config:   config,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Start runs the sweep loop. It blocks until Stop or ctx is done.
func (r *BatchReaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info("Batch reaper started",
		"interval", r.config.Interval,
		"max_age", r.config.MaxAge,
	)

	for {
		select {
		case <-r.stopCh:
			r.logger.Info("Batch reaper stopped")
			return
		case <-ctx.Done():
			r.logger.Info("Batch reaper stopped")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("Batch sweep failed", "error", err)
			}
		}
	}
}

func (r *BatchReaper) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
}

// Sweep performs one pass and returns how many batches were reaped.
func (r *BatchReaper) Sweep(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	batches, err := r.repo.ListByStatus(ctx, []SessionStatus{StatusRunning})
	if err != nil {
		return 0, err
	}

	now := r.now()
	cutoff := now.Add(-r.config.MaxAge)
	reaped := 0
	for _, b := range batches {
		if !b.StartedAt.Before(cutoff) {
			continue
		}
		if r.isActive != nil && r.isActive(b.Session) {
			continue
		}

		r.logger.Warn("Reaping stale batch",
			"batch_id", b.ID,
			"session", b.Session,
			"started_at", b.StartedAt,
			"age", now.Sub(b.StartedAt),
		)
		if err := r.repo.Finish(ctx, b.ID, StatusError, b.RunsCompleted, now); err != nil {
			r.logger.Error("Failed to reap batch", "batch_id", b.ID, "error", err)
			continue
		}
		reaped++
	}

	if reaped > 0 {
		r.logger.Info("Batch sweep completed", "reaped", reaped)
	}
	return reaped, nil
}
