// Package bootstrap assembles the job store, provider client, credential
// manager, submitter and poller from configuration.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"genjobs/internal/adapter/repo"
	"genjobs/internal/domain"
	"genjobs/internal/generation"
	"genjobs/internal/infra"
	"genjobs/internal/infra/credentials"
	"genjobs/internal/providers/motion"
)

// Services holds the wired components. Close releases the store.
type Services struct {
	Repo        domain.JobRepository
	Client      *motion.Client
	Credentials *credentials.Manager
	Submitter   *generation.Submitter
	Poller      *generation.Poller

	ping    func(ctx context.Context) error
	closers []func()
}

// Ping reports whether the job store is reachable.
func (s *Services) Ping(ctx context.Context) error {
	if s.ping == nil {
		return nil
	}
	return s.ping(ctx)
}

func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// New opens the configured job store and builds the generation services on
// top of it.
func New(ctx context.Context, cfg *infra.Config, logger *infra.Logger) (*Services, error) {
	logger = infra.LoggerOrDiscard(logger)
	svc := &Services{}

	var source credentials.LoginSource
	switch cfg.JobStore {
	case infra.StorePostgres:
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		svc.closers = append(svc.closers, pool.Close)
		runner := infra.NewSQLRunner(pool, *logger)
		if err := infra.EnsureSchema(ctx, runner); err != nil {
			svc.Close()
			return nil, err
		}
		svc.Repo = repo.NewJobRepository(runner)
		svc.ping = pingPool(pool)
		source = credentials.NewStore(runner)
	case infra.StoreSQLite:
		store, err := repo.NewSQLiteJobRepository(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		svc.closers = append(svc.closers, func() { _ = store.Close() })
		svc.Repo = store
		svc.ping = store.Ping
	case infra.StoreMemory:
		svc.Repo = repo.NewMemoryJobRepository()
	default:
		return nil, fmt.Errorf("unsupported job store %q", cfg.JobStore)
	}

	client, err := motion.NewClient(motion.Options{
		BaseURL:       cfg.ProviderBaseURL,
		LoginTimeout:  cfg.ProviderLoginTimeout,
		SubmitTimeout: cfg.ProviderSubmitTimeout,
		PollTimeout:   cfg.ProviderPollTimeout,
		Logger:        logger,
	})
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.Client = client

	svc.Credentials, err = credentials.NewManager(credentials.ManagerOptions{
		Authenticator: client,
		Email:         cfg.ProviderEmail,
		Password:      cfg.ProviderPassword,
		Source:        source,
		TTL:           cfg.ProviderTokenTTL,
		Skew:          cfg.ProviderTokenSkew,
		LoginTimeout:  cfg.ProviderLoginTimeout,
		Logger:        logger,
	})
	if err != nil {
		svc.Close()
		return nil, err
	}

	svc.Submitter, err = generation.NewSubmitter(generation.SubmitterOptions{
		Repo:            svc.Repo,
		Provider:        client,
		Credentials:     svc.Credentials,
		AllowedHosts:    cfg.SourceHostAllowlist,
		IdempotencyKeys: cfg.ProviderIdempotencyKeys,
		MaxRetries:      cfg.SubmitMaxRetries,
		BackoffInitial:  cfg.SubmitBackoffInitial,
		Logger:          logger,
	})
	if err != nil {
		svc.Close()
		return nil, err
	}

	svc.Poller, err = generation.NewPoller(generation.PollerOptions{
		Repo:        svc.Repo,
		Provider:    client,
		Credentials: svc.Credentials,
		Logger:      logger,
	})
	if err != nil {
		svc.Close()
		return nil, err
	}
	return svc, nil
}

func pingPool(pool *pgxpool.Pool) func(ctx context.Context) error {
	return func(ctx context.Context) error { return pool.Ping(ctx) }
}
