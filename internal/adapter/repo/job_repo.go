package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"genjobs/internal/domain"
	"genjobs/internal/infra"
	"genjobs/internal/sqlinline"
)

// maxCASAttempts bounds how often UpdateState re-reads a record after losing
// a version race.
const maxCASAttempts = 5

// errCASExhausted is a conflict: other writers kept winning, so the caller
// gets the latest stored record instead of its own write.
var errCASExhausted = fmt.Errorf("job update lost too many concurrent races: %w", domain.ErrConflict)

// JobRepositoryPG implements domain.JobRepository on PostgreSQL.
type JobRepositoryPG struct {
	sql infra.SQLExecutor
	now func() time.Time
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(sql infra.SQLExecutor) *JobRepositoryPG {
	return &JobRepositoryPG{sql: sql, now: time.Now}
}

// Create inserts a new job record.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.GenerationJob) error {
	if err := job.ValidateNew(); err != nil {
		return err
	}
	if _, err := uuid.Parse(job.ID); err != nil {
		return fmt.Errorf("job id must be a uuid: %w", err)
	}
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	stampNew(job, r.now())
	_, err = r.sql.Exec(ctx, sqlinline.QInsertGenerationJob,
		job.ID,
		job.ExternalID,
		job.OwnerID,
		string(job.State),
		job.SourceReference,
		params,
		job.ResultReference,
		job.LastError,
		job.Stale,
		job.Version,
		job.CreatedAt,
		job.UpdatedAt,
	)
	return err
}

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.GenerationJob, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, domain.ErrNotFound
	}
	job, err := scanJob(r.sql.QueryRow(ctx, sqlinline.QSelectGenerationJob, jobID))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// UpdateState applies a transition with a compare-and-swap on version,
// re-reading the record whenever another writer got there first.
func (r *JobRepositoryPG) UpdateState(ctx context.Context, jobID string, state domain.JobState, upd domain.JobUpdate) (*domain.GenerationJob, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := r.GetByID(ctx, jobID)
		if err != nil {
			return nil, err
		}
		next := current.Clone()
		if err := domain.ApplyTransition(next, state, upd, r.now()); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return current, err
			}
			return nil, err
		}
		var version int64
		err = r.sql.QueryRow(ctx, sqlinline.QUpdateGenerationJobState,
			jobID,
			current.Version,
			string(next.State),
			next.ResultReference,
			next.LastError,
			next.Stale,
			next.Version,
			next.UpdatedAt,
		).Scan(&version)
		if err == nil {
			return next, nil
		}
		if !infra.IsNoRows(err) {
			return nil, err
		}
	}
	latest, err := r.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return latest, fmt.Errorf("job %s: %w", jobID, errCASExhausted)
}

// ListActive returns non-terminal jobs not updated since staleBefore, oldest first.
func (r *JobRepositoryPG) ListActive(ctx context.Context, staleBefore time.Time, limit int) ([]*domain.GenerationJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.sql.Query(ctx, sqlinline.QListActiveGenerationJobs, staleBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.GenerationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (*domain.GenerationJob, error) {
	var (
		job    domain.GenerationJob
		state  string
		params []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.ExternalID,
		&job.OwnerID,
		&state,
		&job.SourceReference,
		&params,
		&job.ResultReference,
		&job.LastError,
		&job.Stale,
		&job.Version,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.State = domain.JobState(state)
	if err := decodeParams(params, &job.Params); err != nil {
		return nil, err
	}
	return &job, nil
}

func decodeParams(raw []byte, out *domain.GenerationParams) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

// stampNew fills bookkeeping fields a caller left unset.
func stampNew(job *domain.GenerationJob, now time.Time) {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	if job.Version == 0 {
		job.Version = 1
	}
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
