package repo

import (
	"time"

	"sutfleet/internal/session"
)

const batchCacheTTL = time.Minute * 5

type BatchModel struct {
	tableName struct{} `pg:"session_batches"`

	ID            string                `json:"id" pg:"id,pk"`
	Session       string                `json:"session" pg:"session,notnull"`
	Status        session.SessionStatus `json:"status" pg:"status,notnull"`
	Dir           string                `json:"dir" pg:"dir"`
	RunsPlanned   int                   `json:"runs_planned" pg:"runs_planned,use_zero"`
	RunsCompleted int                   `json:"runs_completed" pg:"runs_completed,use_zero"`
	StartedAt     time.Time             `json:"started_at" pg:"started_at,notnull"`
	FinishedAt    time.Time             `json:"finished_at" pg:"finished_at"`
}

func newModel(b *session.Batch) *BatchModel {
	return &BatchModel{
		ID:            b.ID,
		Session:       b.Session,
		Status:        b.Status,
		Dir:           b.Dir,
		RunsPlanned:   b.RunsPlanned,
		RunsCompleted: b.RunsCompleted,
		StartedAt:     b.StartedAt,
		FinishedAt:    b.FinishedAt,
	}
}

func (m *BatchModel) toBatch() *session.Batch {
	return &session.Batch{
		ID:            m.ID,
		Session:       m.Session,
		Status:        m.Status,
		Dir:           m.Dir,
		RunsPlanned:   m.RunsPlanned,
		RunsCompleted: m.RunsCompleted,
		StartedAt:     m.StartedAt,
		FinishedAt:    m.FinishedAt,
	}
}

func latestBatchCacheKey(sessionName string) string {
	return "sutfleet:session:" + sessionName + ":latest_batch"
}
