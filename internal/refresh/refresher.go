// Package refresh re-polls stale active jobs in the background so their state
// advances even when nobody is asking for it.
package refresh

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"genjobs/internal/domain"
	"genjobs/internal/infra"
)

// JobLister returns active jobs that have not been updated recently.
type JobLister interface {
	ListActive(ctx context.Context, staleBefore time.Time, limit int) ([]*domain.GenerationJob, error)
}

// JobRefresher reconciles one job with the provider.
type JobRefresher interface {
	Refresh(ctx context.Context, job *domain.GenerationJob) (*domain.GenerationJob, error)
}

type Options struct {
	Jobs        JobLister
	Poller      JobRefresher
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	StaleAfter  time.Duration
	// PerSecond caps provider status queries issued by the refresher.
	PerSecond float64
	Logger    *infra.Logger
}

// Stats summarizes one refresh pass.
type Stats struct {
	Scanned   int
	Advanced  int
	Terminal  int
	Failed    int
	Transient int
}

type Refresher struct {
	jobs        JobLister
	poller      JobRefresher
	interval    time.Duration
	batchSize   int
	concurrency int
	staleAfter  time.Duration
	limiter     *rate.Limiter
	logger      *infra.Logger
	now         func() time.Time
}

func New(opts Options) (*Refresher, error) {
	if opts.Jobs == nil || opts.Poller == nil {
		return nil, errors.New("refresh: jobs and poller are required")
	}
	r := &Refresher{
		jobs:        opts.Jobs,
		poller:      opts.Poller,
		interval:    opts.Interval,
		batchSize:   opts.BatchSize,
		concurrency: opts.Concurrency,
		staleAfter:  opts.StaleAfter,
		logger:      infra.LoggerOrDiscard(opts.Logger),
		now:         time.Now,
	}
	if r.interval <= 0 {
		r.interval = 15 * time.Second
	}
	if r.batchSize <= 0 {
		r.batchSize = 50
	}
	if r.concurrency <= 0 {
		r.concurrency = 4
	}
	if r.staleAfter < 0 {
		r.staleAfter = 0
	}
	perSecond := opts.PerSecond
	if perSecond <= 0 {
		perSecond = 5
	}
	r.limiter = rate.NewLimiter(rate.Limit(perSecond), r.concurrency)
	return r, nil
}

// Run refreshes on every interval until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		stats, err := r.RunOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			r.logger.Error().Err(err).Msg("refresh: pass failed")
		case stats.Scanned > 0:
			r.logger.Info().
				Int("scanned", stats.Scanned).
				Int("advanced", stats.Advanced).
				Int("terminal", stats.Terminal).
				Int("transient", stats.Transient).
				Int("failed", stats.Failed).
				Msg("refresh: pass complete")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce refreshes one batch of stale active jobs. Individual job failures
// are counted, not returned.
func (r *Refresher) RunOnce(ctx context.Context) (Stats, error) {
	jobs, err := r.jobs.ListActive(ctx, r.now().Add(-r.staleAfter), r.batchSize)
	if err != nil {
		return Stats{}, err
	}
	results := make([]outcome, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, job := range jobs {
		g.Go(func() error {
			if err := r.limiter.Wait(gctx); err != nil {
				return err
			}
			results[i] = r.refreshOne(gctx, job)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}

	stats := Stats{Scanned: len(jobs)}
	for _, res := range results {
		switch res {
		case outcomeAdvanced:
			stats.Advanced++
		case outcomeTerminal:
			stats.Advanced++
			stats.Terminal++
		case outcomeTransient:
			stats.Transient++
		case outcomeFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeAdvanced
	outcomeTerminal
	outcomeTransient
	outcomeFailed
)

func (r *Refresher) refreshOne(ctx context.Context, job *domain.GenerationJob) outcome {
	updated, err := r.poller.Refresh(ctx, job)
	if err != nil {
		if domain.IsTransient(err) {
			return outcomeTransient
		}
		r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("refresh: job refresh failed")
		return outcomeFailed
	}
	switch {
	case updated == nil || updated.State == job.State:
		return outcomeUnchanged
	case updated.State.IsTerminal():
		return outcomeTerminal
	default:
		return outcomeAdvanced
	}
}
