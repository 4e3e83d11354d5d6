// Package generation orchestrates asynchronous generation jobs against the
// motion provider: submitting new work and reconciling job state on demand.
package generation

import (
	"context"
	"errors"
	"net/http"

	"genjobs/internal/domain"
	"genjobs/internal/providers/motion"
)

// Provider is the subset of the motion client the orchestrator needs.
type Provider interface {
	Submit(ctx context.Context, token string, req motion.SubmitRequest, idempotencyKey string) (string, error)
	Status(ctx context.Context, token, externalID string) (*motion.JobStatus, error)
}

// Credentials runs provider calls with a valid bearer token.
type Credentials interface {
	Do(ctx context.Context, fn func(ctx context.Context, token string) error) error
}

// retryable reports whether a provider call may succeed if repeated. A failed
// credential exchange is never retried here, whatever caused it.
func retryable(err error) bool {
	var authErr *domain.AuthError
	if errors.As(err, &authErr) {
		return false
	}
	var terr *motion.TransportError
	if errors.As(err, &terr) {
		return true
	}
	var serr *motion.StatusError
	return errors.As(err, &serr) && serr.Temporary()
}

// providerError translates motion client failures into domain errors.
func providerError(err error) error {
	var authErr *domain.AuthError
	if errors.As(err, &authErr) {
		return err
	}
	var serr *motion.StatusError
	if errors.As(err, &serr) {
		return &domain.ProviderError{Code: serr.StatusCode, Message: serr.Message, Transient: serr.Temporary(), Cause: err}
	}
	var terr *motion.TransportError
	if errors.As(err, &terr) {
		return &domain.ProviderError{Message: "provider unreachable", Transient: true, Cause: err}
	}
	if errors.Is(err, motion.ErrMalformedResponse) {
		return &domain.ProviderError{Code: http.StatusBadGateway, Message: "provider returned a malformed response", Cause: err}
	}
	if errors.Is(err, motion.ErrUnauthorized) {
		return &domain.AuthError{Cause: err}
	}
	return err
}
