package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"genjobs/internal/domain"
)

type memoryEntry struct {
	mu  sync.Mutex
	job *domain.GenerationJob
}

// JobRepositoryMemory keeps jobs in process memory. Each record has its own
// lock so updates to different jobs never wait on each other.
type JobRepositoryMemory struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

func NewMemoryJobRepository() *JobRepositoryMemory {
	return &JobRepositoryMemory{entries: make(map[string]*memoryEntry), now: time.Now}
}

func (r *JobRepositoryMemory) Create(ctx context.Context, job *domain.GenerationJob) error {
	if err := job.ValidateNew(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	stampNew(job, r.now())

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if job.ExternalID != "" {
		for _, e := range r.entries {
			e.mu.Lock()
			dup := e.job.ExternalID == job.ExternalID
			e.mu.Unlock()
			if dup {
				return fmt.Errorf("external id %s already recorded", job.ExternalID)
			}
		}
	}
	r.entries[job.ID] = &memoryEntry{job: job.Clone()}
	return nil
}

func (r *JobRepositoryMemory) GetByID(ctx context.Context, jobID string) (*domain.GenerationJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e := r.entry(jobID)
	if e == nil {
		return nil, domain.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

func (r *JobRepositoryMemory) UpdateState(ctx context.Context, jobID string, state domain.JobState, upd domain.JobUpdate) (*domain.GenerationJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e := r.entry(jobID)
	if e == nil {
		return nil, domain.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.job.Clone()
	if err := domain.ApplyTransition(next, state, upd, r.now()); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return e.job.Clone(), err
		}
		return nil, err
	}
	e.job = next
	return next.Clone(), nil
}

func (r *JobRepositoryMemory) ListActive(ctx context.Context, staleBefore time.Time, limit int) ([]*domain.GenerationJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	r.mu.RLock()
	var jobs []*domain.GenerationJob
	for _, e := range r.entries {
		e.mu.Lock()
		if !e.job.State.IsTerminal() && e.job.UpdatedAt.Before(staleBefore) {
			jobs = append(jobs, e.job.Clone())
		}
		e.mu.Unlock()
	}
	r.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].UpdatedAt.Before(jobs[j].UpdatedAt) })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (r *JobRepositoryMemory) entry(jobID string) *memoryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[jobID]
}

var _ domain.JobRepository = (*JobRepositoryMemory)(nil)
