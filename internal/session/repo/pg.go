package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sutfleet/internal/session"

	"github.com/go-pg/pg/v10"
	"github.com/go-pg/pg/v10/orm"
	"github.com/redis/go-redis/v9"
)

var _ session.BatchRepository = (*Repository)(nil)

// Repository stores batch history in Postgres and caches each session's
// latest batch in Redis when a client is given.
type Repository struct {
	db    *pg.DB
	redis redis.Cmdable
}

func NewRepository(db *pg.DB, redis redis.Cmdable) *Repository {
	return &Repository{
		db:    db,
		redis: redis,
	}
}

func (r *Repository) CreateSchema(ctx context.Context) error {
	return r.db.ModelContext(ctx, (*BatchModel)(nil)).CreateTable(&orm.CreateTableOptions{
		IfNotExists: true,
	})
}

func (r *Repository) Create(ctx context.Context, batch *session.Batch) error {
	model := newModel(batch)
	if _, err := r.db.ModelContext(ctx, model).Insert(); err != nil {
		return fmt.Errorf("insert batch %s: %w", batch.ID, err)
	}

	r.cache(ctx, model)
	return nil
}

func (r *Repository) Finish(ctx context.Context, id string, status session.SessionStatus, runsCompleted int, finishedAt time.Time) error {
	model := &BatchModel{}
	res, err := r.db.ModelContext(ctx, model).
		Set("status = ?", status).
		Set("runs_completed = ?", runsCompleted).
		Set("finished_at = ?", finishedAt).
		Where("id = ?", id).
		Returning("*").
		Update()
	if err != nil {
		return fmt.Errorf("finish batch %s: %w", id, err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", session.ErrBatchNotFound, id)
	}

	// Invalidate cache
	if r.redis != nil {
		_ = r.redis.Del(ctx, latestBatchCacheKey(model.Session)).Err()
	}
	return nil
}

func (r *Repository) Latest(ctx context.Context, sessionName string) (*session.Batch, error) {
	if r.redis != nil {
		val, err := r.redis.Get(ctx, latestBatchCacheKey(sessionName)).Result()
		if err == nil {
			var cached BatchModel
			if err := json.Unmarshal([]byte(val), &cached); err == nil {
				return cached.toBatch(), nil
			}
		}
	}

	model := &BatchModel{}
	err := r.db.ModelContext(ctx, model).
		Where("session = ?", sessionName).
		Order("started_at DESC").
		Limit(1).
		Select()
	if errors.Is(err, pg.ErrNoRows) {
		return nil, fmt.Errorf("%w: no batches for %s", session.ErrBatchNotFound, sessionName)
	}
	if err != nil {
		return nil, err
	}

	r.cache(ctx, model)
	return model.toBatch(), nil
}

func (r *Repository) ListBySession(ctx context.Context, sessionName string, limit int) ([]*session.Batch, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []BatchModel
	err := r.db.ModelContext(ctx, &models).
		Where("session = ?", sessionName).
		Order("started_at DESC").
		Limit(limit).
		Select()
	if err != nil {
		return nil, err
	}
	return toBatches(models), nil
}

func (r *Repository) ListByStatus(ctx context.Context, statuses []session.SessionStatus) ([]*session.Batch, error) {
	var models []BatchModel
	err := r.db.ModelContext(ctx, &models).
		Where("status IN (?)", pg.In(statuses)).
		Order("started_at DESC").
		Select()
	if err != nil {
		return nil, err
	}
	return toBatches(models), nil
}

func (r *Repository) cache(ctx context.Context, model *BatchModel) {
	if r.redis == nil {
		return
	}
	if b, err := json.Marshal(model); err == nil {
		_ = r.redis.Set(ctx, latestBatchCacheKey(model.Session), b, batchCacheTTL).Err()
	}
}

func toBatches(models []BatchModel) []*session.Batch {
	out := make([]*session.Batch, 0, len(models))
	for i := range models {
		out = append(out, models[i].toBatch())
	}
	return out
}
