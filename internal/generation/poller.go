package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/cases"

	"genjobs/internal/domain"
	"genjobs/internal/infra"
	"genjobs/internal/providers/motion"
)

const defaultFailureMessage = "provider reported failure"

// PollerOptions configures a Poller.
type PollerOptions struct {
	Repo        domain.JobRepository
	Provider    Provider
	Credentials Credentials
	Logger      *infra.Logger
}

// Poller reconciles a job with the provider each time its status is read.
// It performs at most one provider query per call and never loops.
type Poller struct {
	repo     domain.JobRepository
	provider Provider
	creds    Credentials
	logger   *infra.Logger
}

func NewPoller(opts PollerOptions) (*Poller, error) {
	if opts.Repo == nil || opts.Provider == nil || opts.Credentials == nil {
		return nil, errors.New("generation: repo, provider and credentials are required")
	}
	return &Poller{
		repo:     opts.Repo,
		provider: opts.Provider,
		creds:    opts.Credentials,
		logger:   infra.LoggerOrDiscard(opts.Logger),
	}, nil
}

// Poll returns the current state of a job owned by requesterID. On provider
// failures the last known record is returned together with the error.
func (p *Poller) Poll(ctx context.Context, internalID, requesterID string) (*domain.GenerationJob, error) {
	job, err := p.repo.GetByID(ctx, internalID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != requesterID {
		return nil, domain.ErrForbidden
	}
	return p.refresh(ctx, job)
}

// Refresh reconciles a job without an ownership check. It is used by
// background callers holding a possibly outdated copy of the record, so the
// stored record is re-read before deciding whether the provider is queried.
func (p *Poller) Refresh(ctx context.Context, job *domain.GenerationJob) (*domain.GenerationJob, error) {
	current, err := p.repo.GetByID(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	return p.refresh(ctx, current)
}

func (p *Poller) refresh(ctx context.Context, job *domain.GenerationJob) (*domain.GenerationJob, error) {
	if job.State.IsTerminal() || job.ExternalID == "" {
		return job, nil
	}
	logger := p.logger.With().Str("job_id", job.ID).Str("external_id", job.ExternalID).Logger()

	var status *motion.JobStatus
	err := p.creds.Do(ctx, func(ctx context.Context, token string) error {
		st, err := p.provider.Status(ctx, token, job.ExternalID)
		if err != nil {
			return err
		}
		status = st
		return nil
	})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return p.recordFailure(ctx, job, err, logger)
	}

	state, upd := interpret(job, status)
	if state != job.State || status.Malformed {
		logger.Debug().Str("provider_status", status.Status).Str("state", string(state)).Msg("generation: provider status mapped")
	}
	return p.write(ctx, job, state, upd)
}

// recordFailure persists what a failed provider query tells us and returns
// the resulting record with a domain error.
func (p *Poller) recordFailure(ctx context.Context, job *domain.GenerationJob, cause error, logger infra.Logger) (*domain.GenerationJob, error) {
	perr := providerError(cause)
	var authErr *domain.AuthError
	if errors.As(perr, &authErr) {
		logger.Warn().Err(cause).Msg("generation: provider authentication failed during poll")
		return job, perr
	}
	var providerErr *domain.ProviderError
	if !errors.As(perr, &providerErr) {
		return job, fmt.Errorf("poll job %s: %w", job.ID, cause)
	}

	state := job.State
	if providerErr.Transient {
		state = domain.JobStateUnknown
	}
	logger.Warn().Err(cause).Bool("transient", providerErr.Transient).Msg("generation: provider status query failed")
	stored, err := p.write(ctx, job, state, domain.JobUpdate{LastError: domain.ErrorText(providerErr.Error())})
	if err != nil {
		return job, err
	}
	return stored, perr
}

func (p *Poller) write(ctx context.Context, job *domain.GenerationJob, state domain.JobState, upd domain.JobUpdate) (*domain.GenerationJob, error) {
	stored, err := p.repo.UpdateState(ctx, job.ID, state, upd)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) && stored != nil {
			return stored, nil
		}
		return job, fmt.Errorf("update job %s: %w", job.ID, err)
	}
	return stored, nil
}

// interpret maps an untrusted provider status onto the job lifecycle.
// Unrecognized answers keep the current state and only record the problem.
func interpret(job *domain.GenerationJob, status *motion.JobStatus) (domain.JobState, domain.JobUpdate) {
	if status == nil || status.Malformed {
		return job.State, domain.JobUpdate{LastError: domain.ErrorText("provider returned a malformed status")}
	}
	switch cases.Fold().String(status.Status) {
	case "queued", "running":
		return domain.JobStateProcessing, domain.JobUpdate{LastError: domain.ErrorText("")}
	case "done":
		if status.Result == "" {
			return job.State, domain.JobUpdate{LastError: domain.ErrorText("provider reported done without a result")}
		}
		return domain.JobStateSucceeded, domain.JobUpdate{ResultReference: status.Result, LastError: domain.ErrorText("")}
	case "error", "failed":
		msg := strings.TrimSpace(status.Error)
		if msg == "" {
			msg = defaultFailureMessage
		}
		return domain.JobStateFailed, domain.JobUpdate{LastError: domain.ErrorText(msg)}
	}
	return job.State, domain.JobUpdate{LastError: domain.ErrorText(fmt.Sprintf("unrecognized provider status %q", status.Status))}
}
