package generation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"genjobs/internal/domain"
	"genjobs/internal/infra"
	"genjobs/internal/providers/motion"
)

const persistTimeout = 5 * time.Second

// SubmitterOptions configures a Submitter.
type SubmitterOptions struct {
	Repo        domain.JobRepository
	Provider    Provider
	Credentials Credentials
	// AllowedHosts restricts source references to these hosts and their
	// subdomains. Empty allows any host.
	AllowedHosts []string
	// IdempotencyKeys sends the internal id with each submission so the
	// provider can deduplicate retries.
	IdempotencyKeys bool
	MaxRetries      int
	BackoffInitial  time.Duration
	Logger          *infra.Logger
}

// Submitter validates generation requests and hands them to the provider.
type Submitter struct {
	repo            domain.JobRepository
	provider        Provider
	creds           Credentials
	allowedHosts    []string
	idempotencyKeys bool
	maxRetries      int
	backoffInitial  time.Duration
	logger          *infra.Logger
	now             func() time.Time
}

func NewSubmitter(opts SubmitterOptions) (*Submitter, error) {
	if opts.Repo == nil || opts.Provider == nil || opts.Credentials == nil {
		return nil, errors.New("generation: repo, provider and credentials are required")
	}
	s := &Submitter{
		repo:            opts.Repo,
		provider:        opts.Provider,
		creds:           opts.Credentials,
		allowedHosts:    opts.AllowedHosts,
		idempotencyKeys: opts.IdempotencyKeys,
		maxRetries:      opts.MaxRetries,
		backoffInitial:  opts.BackoffInitial,
		logger:          infra.LoggerOrDiscard(opts.Logger),
		now:             time.Now,
	}
	if s.maxRetries < 0 {
		s.maxRetries = 0
	}
	if !s.idempotencyKeys && s.maxRetries > 1 {
		s.maxRetries = 1
	}
	if s.backoffInitial <= 0 {
		s.backoffInitial = 500 * time.Millisecond
	}
	return s, nil
}

// Submit sends a new generation job to the provider and records it as
// Submitted. Nothing is stored unless the provider accepted the job.
func (s *Submitter) Submit(ctx context.Context, ownerID, sourceReference string, params domain.GenerationParams) (*domain.GenerationJob, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, domain.NewValidationError("ownerId", "is required")
	}
	sourceReference = strings.TrimSpace(sourceReference)
	if err := s.validateSource(sourceReference); err != nil {
		return nil, err
	}
	if err := validateParams(params); err != nil {
		return nil, err
	}

	jobID := uuid.NewString()
	logger := s.logger.With().Str("job_id", jobID).Str("owner_id", ownerID).Logger()

	var idempotencyKey string
	if s.idempotencyKeys {
		idempotencyKey = jobID
	}
	req := motion.SubmitRequest{SourceReference: sourceReference, Params: params}

	var externalID string
	attempt := 0
	op := func() error {
		attempt++
		err := s.creds.Do(ctx, func(ctx context.Context, token string) error {
			id, err := s.provider.Submit(ctx, token, req, idempotencyKey)
			if err != nil {
				return err
			}
			externalID = id
			return nil
		})
		if err == nil || retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("generation: submission failed, retrying")
	}
	if err := backoff.RetryNotify(op, s.retryPolicy(ctx), notify); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		perr := providerError(err)
		if domain.IsTransient(perr) {
			logger.Error().Err(err).Int("attempts", attempt).Msg("generation: submission retries exhausted")
		}
		return nil, perr
	}

	now := s.now()
	job := &domain.GenerationJob{
		ID:              jobID,
		ExternalID:      externalID,
		OwnerID:         ownerID,
		State:           domain.JobStateSubmitted,
		SourceReference: sourceReference,
		Params:          params,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	// The provider already holds the job, so the record is written even if the
	// caller has gone away.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.repo.Create(persistCtx, job); err != nil {
		logger.Error().Err(err).Str("external_id", externalID).Msg("generation: accepted job could not be recorded")
		return nil, fmt.Errorf("record job %s: %w", jobID, err)
	}
	logger.Info().Str("external_id", externalID).Int("attempts", attempt).Msg("generation: job submitted")
	return job, nil
}

func (s *Submitter) retryPolicy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.backoffInitial
	exp.MaxInterval = 8 * s.backoffInitial
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(s.maxRetries)), ctx)
}

func (s *Submitter) validateSource(ref string) error {
	if ref == "" {
		return domain.NewValidationError("sourceReference", "is required")
	}
	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return domain.NewValidationError("sourceReference", "must be an absolute http(s) URL")
	}
	if len(s.allowedHosts) == 0 {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range s.allowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return nil
		}
	}
	return domain.NewValidationError("sourceReference", "host %q is not allowed", host)
}

func validateParams(p domain.GenerationParams) error {
	if p.MotionIntensity != nil && *p.MotionIntensity < 0 {
		return domain.NewValidationError("params.motionIntensity", "must not be negative")
	}
	if p.DurationSeconds != nil && *p.DurationSeconds < 0 {
		return domain.NewValidationError("params.durationSeconds", "must not be negative")
	}
	if p.Seed != nil && *p.Seed < 0 {
		return domain.NewValidationError("params.seed", "must not be negative")
	}
	return nil
}
