package credentials

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"genjobs/internal/domain"
	"genjobs/internal/infra"
	"genjobs/internal/providers/motion"
)

const tokenKey = "motion:token"

// Authenticator exchanges service credentials for a provider session.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (*motion.Session, error)
}

// LoginSource supplies service credentials when none are configured directly.
type LoginSource interface {
	ProviderLogin(ctx context.Context) (string, string, error)
}

// Token is a provider bearer token and the time it stops being accepted.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// ManagerOptions configures a Manager. Email and Password take precedence over
// Source.
type ManagerOptions struct {
	Authenticator Authenticator
	Email         string
	Password      string
	Source        LoginSource
	// TTL is assumed when the provider does not report an expiry.
	TTL          time.Duration
	Skew         time.Duration
	LoginTimeout time.Duration
	Logger       *infra.Logger
}

// Manager owns the process-wide provider token. Concurrent callers that find
// no usable token share one credential exchange.
type Manager struct {
	auth         Authenticator
	email        string
	password     string
	source       LoginSource
	ttl          time.Duration
	skew         time.Duration
	loginTimeout time.Duration
	logger       *infra.Logger

	cache *cache.Cache
	group singleflight.Group
	// mu orders cache writes against Invalidate.
	mu sync.Mutex
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Authenticator == nil {
		return nil, errors.New("credentials: authenticator is required")
	}
	m := &Manager{
		auth:         opts.Authenticator,
		email:        opts.Email,
		password:     opts.Password,
		source:       opts.Source,
		ttl:          opts.TTL,
		skew:         opts.Skew,
		loginTimeout: opts.LoginTimeout,
		logger:       infra.LoggerOrDiscard(opts.Logger),
		cache:        cache.New(cache.NoExpiration, 10*time.Minute),
	}
	if m.ttl <= 0 {
		m.ttl = time.Hour
	}
	if m.skew < 0 {
		m.skew = 0
	}
	if m.loginTimeout <= 0 {
		m.loginTimeout = 10 * time.Second
	}
	return m, nil
}

// Token returns the cached token or performs a credential exchange. Exchange
// failures are reported as *domain.AuthError and nothing is cached.
func (m *Manager) Token(ctx context.Context) (Token, error) {
	if tok, ok := m.cached(); ok {
		return tok, nil
	}
	// The exchange is detached from the caller and bounded by loginTimeout.
	detached := context.WithoutCancel(ctx)
	ch := m.group.DoChan(tokenKey, func() (any, error) {
		if tok, ok := m.cached(); ok {
			return tok, nil
		}
		exCtx, cancel := context.WithTimeout(detached, m.loginTimeout)
		defer cancel()
		return m.exchange(exCtx)
	})
	select {
	case <-ctx.Done():
		return Token{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	}
}

// Invalidate drops the cached token if it is still the rejected one.
func (m *Manager) Invalidate(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.cache.Get(tokenKey); ok && v.(Token).Value == token {
		m.cache.Delete(tokenKey)
	}
}

// Do runs fn with a valid token. When the provider rejects the token, it is
// invalidated and fn runs once more with a fresh one.
func (m *Manager) Do(ctx context.Context, fn func(ctx context.Context, token string) error) error {
	tok, err := m.Token(ctx)
	if err != nil {
		return err
	}
	err = fn(ctx, tok.Value)
	if !errors.Is(err, motion.ErrUnauthorized) {
		return err
	}
	m.logger.Info().Msg("credentials: provider rejected token, refreshing")
	m.Invalidate(tok.Value)

	tok, err = m.Token(ctx)
	if err != nil {
		return err
	}
	err = fn(ctx, tok.Value)
	if errors.Is(err, motion.ErrUnauthorized) {
		return &domain.AuthError{Cause: err}
	}
	return err
}

func (m *Manager) cached() (Token, bool) {
	v, ok := m.cache.Get(tokenKey)
	if !ok {
		return Token{}, false
	}
	return v.(Token), true
}

func (m *Manager) exchange(ctx context.Context) (Token, error) {
	email, password := m.email, m.password
	if (email == "" || password == "") && m.source != nil {
		var err error
		email, password, err = m.source.ProviderLogin(ctx)
		if err != nil {
			return Token{}, &domain.AuthError{Cause: err}
		}
	}
	if email == "" || password == "" {
		return Token{}, &domain.AuthError{Cause: errors.New("provider credentials are not configured")}
	}

	started := time.Now()
	session, err := m.auth.Login(ctx, email, password)
	if err != nil {
		m.logger.Warn().Err(err).Dur("duration", time.Since(started)).Msg("credentials: provider login failed")
		return Token{}, &domain.AuthError{Cause: err}
	}

	tok := Token{Value: session.Token, ExpiresAt: session.ExpiresAt}
	if tok.ExpiresAt.IsZero() {
		tok.ExpiresAt = started.Add(m.ttl)
	}
	lifetime := time.Until(tok.ExpiresAt) - m.skew

	m.mu.Lock()
	if lifetime > 0 {
		m.cache.Set(tokenKey, tok, lifetime)
	}
	m.mu.Unlock()

	m.logger.Info().Time("expires_at", tok.ExpiresAt).Dur("duration", time.Since(started)).Msg("credentials: provider token acquired")
	return tok, nil
}
