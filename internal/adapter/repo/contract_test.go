package repo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genjobs/internal/domain"
)

func newSubmittedJob(owner, externalID string) *domain.GenerationJob {
	seed := int64(7)
	return &domain.GenerationJob{
		ID:              uuid.NewString(),
		ExternalID:      externalID,
		OwnerID:         owner,
		State:           domain.JobStateSubmitted,
		SourceReference: "https://media.example.com/in.png",
		Params:          domain.GenerationParams{Prompt: "wave", Seed: &seed},
	}
}

// runRepositoryContract exercises the behavior every JobRepository backend shares.
func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) domain.JobRepository) {
	t.Run("create and get", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		job := newSubmittedJob("user-1", "ext-1")
		require.NoError(t, repo.Create(ctx, job))

		got, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, "ext-1", got.ExternalID)
		assert.Equal(t, domain.JobStateSubmitted, got.State)
		assert.Equal(t, "wave", got.Params.Prompt)
		require.NotNil(t, got.Params.Seed)
		assert.Equal(t, int64(7), *got.Params.Seed)
		assert.Equal(t, int64(1), got.Version)
		assert.False(t, got.CreatedAt.IsZero())
	})

	t.Run("unknown id", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.GetByID(context.Background(), uuid.NewString())
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = repo.UpdateState(context.Background(), uuid.NewString(), domain.JobStateProcessing, domain.JobUpdate{})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("rejects invalid new record", func(t *testing.T) {
		repo := newRepo(t)
		job := newSubmittedJob("user-1", "")
		assert.Error(t, repo.Create(context.Background(), job))
	})

	t.Run("forward transitions", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		job := newSubmittedJob("user-1", "ext-2")
		require.NoError(t, repo.Create(ctx, job))

		updated, err := repo.UpdateState(ctx, job.ID, domain.JobStateProcessing, domain.JobUpdate{})
		require.NoError(t, err)
		assert.Equal(t, domain.JobStateProcessing, updated.State)
		assert.Equal(t, int64(2), updated.Version)

		updated, err = repo.UpdateState(ctx, job.ID, domain.JobStateSucceeded, domain.JobUpdate{ResultReference: "https://cdn/out.mp4"})
		require.NoError(t, err)
		assert.Equal(t, "https://cdn/out.mp4", updated.ResultReference)

		stored, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStateSucceeded, stored.State)
		assert.Equal(t, "https://cdn/out.mp4", stored.ResultReference)
	})

	t.Run("terminal records are immutable", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		job := newSubmittedJob("user-1", "ext-3")
		require.NoError(t, repo.Create(ctx, job))
		_, err := repo.UpdateState(ctx, job.ID, domain.JobStateFailed, domain.JobUpdate{LastError: domain.ErrorText("nsfw")})
		require.NoError(t, err)

		existing, err := repo.UpdateState(ctx, job.ID, domain.JobStateSucceeded, domain.JobUpdate{ResultReference: "https://cdn/late.mp4"})
		require.ErrorIs(t, err, domain.ErrConflict)
		require.NotNil(t, existing)
		assert.Equal(t, domain.JobStateFailed, existing.State)
		assert.Equal(t, "nsfw", existing.LastError)
		assert.Empty(t, existing.ResultReference)
	})

	t.Run("unknown flags stale and keeps state", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		job := newSubmittedJob("user-1", "ext-4")
		require.NoError(t, repo.Create(ctx, job))
		_, err := repo.UpdateState(ctx, job.ID, domain.JobStateProcessing, domain.JobUpdate{})
		require.NoError(t, err)

		updated, err := repo.UpdateState(ctx, job.ID, domain.JobStateUnknown, domain.JobUpdate{LastError: domain.ErrorText("timeout")})
		require.NoError(t, err)
		assert.Equal(t, domain.JobStateProcessing, updated.State)
		assert.True(t, updated.Stale)

		updated, err = repo.UpdateState(ctx, job.ID, domain.JobStateProcessing, domain.JobUpdate{LastError: domain.ErrorText("")})
		require.NoError(t, err)
		assert.False(t, updated.Stale)
		assert.Empty(t, updated.LastError)
	})

	t.Run("concurrent terminal writes pick one winner", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		job := newSubmittedJob("user-1", "ext-5")
		require.NoError(t, repo.Create(ctx, job))

		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			winners   []domain.JobState
			conflicts int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				state, upd := domain.JobStateSucceeded, domain.JobUpdate{ResultReference: "https://cdn/out.mp4"}
				if i%2 == 1 {
					state, upd = domain.JobStateFailed, domain.JobUpdate{LastError: domain.ErrorText("failed")}
				}
				got, err := repo.UpdateState(ctx, job.ID, state, upd)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					winners = append(winners, got.State)
				case errors.Is(err, domain.ErrConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		require.Len(t, winners, 1)
		assert.Equal(t, writers-1, conflicts)
		stored, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, winners[0], stored.State)
	})

	t.Run("list active", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		active := newSubmittedJob("user-1", "ext-6")
		done := newSubmittedJob("user-1", "ext-7")
		require.NoError(t, repo.Create(ctx, active))
		require.NoError(t, repo.Create(ctx, done))
		_, err := repo.UpdateState(ctx, done.ID, domain.JobStateFailed, domain.JobUpdate{LastError: domain.ErrorText("x")})
		require.NoError(t, err)

		jobs, err := repo.ListActive(ctx, time.Now().Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, active.ID, jobs[0].ID)

		jobs, err = repo.ListActive(ctx, time.Now().Add(-time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})
}
