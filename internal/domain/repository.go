package domain

import (
	"context"
	"time"
)

// JobRepository defines persistence for generation jobs. UpdateState must be
// linearizable per job; an illegal transition returns the stored record
// together with ErrConflict.
type JobRepository interface {
	Create(ctx context.Context, job *GenerationJob) error
	GetByID(ctx context.Context, jobID string) (*GenerationJob, error)
	UpdateState(ctx context.Context, jobID string, state JobState, upd JobUpdate) (*GenerationJob, error)
	ListActive(ctx context.Context, staleBefore time.Time, limit int) ([]*GenerationJob, error)
}
