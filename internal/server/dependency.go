package server

import (
	"context"
	"fmt"
	"log/slog"

	"sutfleet/internal/config"
	"sutfleet/internal/monitor"
	"sutfleet/internal/session"
	"sutfleet/internal/session/repo"

	"github.com/go-pg/pg/v10"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Dependency holds the optional infrastructure of the fleet server. Every
// field is nil when its address is not configured.
type Dependency struct {
	Redis       *redis.Client
	PG          *pg.DB
	AsynqClient *asynq.Client
	AsynqRedis  asynq.RedisClientOpt
	Logger      *slog.Logger
}

func InitDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependency, error) {
	d := &Dependency{Logger: logger}

	if cfg.Redis.Addr != "" {
		d.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := d.Redis.Ping(ctx).Err(); err != nil {
			d.Close()
			return nil, fmt.Errorf("redis ping (%s): %w", cfg.Redis.Addr, err)
		}

		d.AsynqRedis = asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}
		d.AsynqClient = asynq.NewClient(d.AsynqRedis)
		logger.Info("Redis connected", "addr", cfg.Redis.Addr)
	}

	if cfg.Postgres.Addr != "" {
		d.PG = pg.Connect(&pg.Options{
			Addr:     cfg.Postgres.Addr,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Database: cfg.Postgres.Database,
		})
		if _, err := d.PG.ExecContext(ctx, "SELECT 1"); err != nil {
			d.Close()
			return nil, fmt.Errorf("postgres ping (%s): %w", cfg.Postgres.Addr, err)
		}
		if err := repo.NewRepository(d.PG, nil).CreateSchema(ctx); err != nil {
			d.Close()
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
		logger.Info("Postgres connected", "addr", cfg.Postgres.Addr)
	}

	return d, nil
}

// BatchRepository picks the Postgres store when available, cached through
// Redis when that is available too, and an in-memory store otherwise.
func (d *Dependency) BatchRepository() session.BatchRepository {
	if d.PG == nil {
		return repo.NewMemoryRepository()
	}
	var cache redis.Cmdable
	if d.Redis != nil {
		cache = d.Redis
	}
	return repo.NewRepository(d.PG, cache)
}

// ReadyChecks probes each configured backing service.
func (d *Dependency) ReadyChecks() map[string]monitor.ReadyCheck {
	checks := make(map[string]monitor.ReadyCheck)
	if d.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return d.Redis.Ping(ctx).Err()
		}
	}
	if d.PG != nil {
		checks["postgres"] = func(ctx context.Context) error {
			return d.PG.Ping(ctx)
		}
	}
	return checks
}

func (d *Dependency) Close() {
	if d.AsynqClient != nil {
		d.AsynqClient.Close()
	}
	if d.PG != nil {
		d.PG.Close()
	}
	if d.Redis != nil {
		d.Redis.Close()
	}
}
