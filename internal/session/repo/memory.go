package repo

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"sutfleet/internal/session"
)

var _ session.BatchRepository = (*MemoryRepository)(nil)

// MemoryRepository keeps batch history for the life of the process.
type MemoryRepository struct {
	mu      sync.RWMutex
	batches map[string]session.Batch
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{batches: make(map[string]session.Batch)}
}

func (r *MemoryRepository) Create(_ context.Context, batch *session.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.batches[batch.ID]; ok {
		return fmt.Errorf("batch %s already exists", batch.ID)
	}
	r.batches[batch.ID] = *batch
	return nil
}

func (r *MemoryRepository) Finish(_ context.Context, id string, status session.SessionStatus, runsCompleted int, finishedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrBatchNotFound, id)
	}
	b.Status = status
	b.RunsCompleted = runsCompleted
	b.FinishedAt = finishedAt
	r.batches[id] = b
	return nil
}

func (r *MemoryRepository) Latest(ctx context.Context, sessionName string) (*session.Batch, error) {
	list, _ := r.ListBySession(ctx, sessionName, 1)
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: no batches for %s", session.ErrBatchNotFound, sessionName)
	}
	return list[0], nil
}

func (r *MemoryRepository) ListBySession(_ context.Context, sessionName string, limit int) ([]*session.Batch, error) {
	out := r.filter(func(b session.Batch) bool { return b.Session == sessionName })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) ListByStatus(_ context.Context, statuses []session.SessionStatus) ([]*session.Batch, error) {
	return r.filter(func(b session.Batch) bool { return slices.Contains(statuses, b.Status) }), nil
}

// filter returns copies of the matching batches, newest first.
func (r *MemoryRepository) filter(keep func(session.Batch) bool) []*session.Batch {
	r.mu.RLock()
	out := make([]*session.Batch, 0)
	for _, b := range r.batches {
		if keep(b) {
			b := b
			out = append(out, &b)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}
