package handlers

import (
	"context"
	"errors"
	"net/http"

	"genjobs/internal/domain"
	"genjobs/internal/middleware"
)

// retryAfterSeconds is advertised for transient provider failures.
const retryAfterSeconds = "5"

type failure struct {
	status  int
	code    string
	message string
}

// classify maps domain errors to HTTP responses. Internal details are never
// exposed for 500s.
func classify(err error) failure {
	var (
		verr    *domain.ValidationError
		authErr *domain.AuthError
		perr    *domain.ProviderError
	)
	switch {
	case errors.As(err, &verr):
		return failure{http.StatusBadRequest, "invalid_request", verr.Error()}
	case errors.Is(err, domain.ErrUnauthorized):
		return failure{http.StatusUnauthorized, "unauthorized", "authentication required"}
	case errors.Is(err, domain.ErrForbidden):
		return failure{http.StatusForbidden, "forbidden", "job belongs to another user"}
	case errors.Is(err, domain.ErrNotFound):
		return failure{http.StatusNotFound, "not_found", "job not found"}
	case errors.As(err, &authErr):
		return failure{http.StatusBadGateway, "provider_auth_failed", "could not authenticate with the generation provider"}
	case errors.As(err, &perr):
		if perr.Transient {
			return failure{http.StatusBadGateway, "provider_unavailable", "generation provider is temporarily unavailable"}
		}
		msg := perr.Message
		if msg == "" {
			msg = "generation provider rejected the request"
		}
		return failure{http.StatusBadGateway, "provider_rejected", msg}
	case errors.Is(err, context.DeadlineExceeded):
		return failure{http.StatusGatewayTimeout, "timeout", "request timed out"}
	}
	return failure{http.StatusInternalServerError, "internal", "internal error"}
}

func (a *App) fail(w http.ResponseWriter, r *http.Request, err error, lastKnown *statusResponse) {
	f := classify(err)
	logger := a.Logger.With().Str("request_id", middleware.RequestIDFromContext(r.Context())).Logger()
	switch {
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		logger.Debug().Msg("handlers: client went away")
		return
	case f.status >= http.StatusInternalServerError && f.status != http.StatusBadGateway:
		logger.Error().Err(err).Int("status", f.status).Msg("handlers: request failed")
	case f.status == http.StatusBadGateway:
		logger.Warn().Err(err).Msg("handlers: provider failure")
	}
	if f.status != http.StatusBadGateway {
		lastKnown = nil
	}
	if domain.IsTransient(err) {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	a.json(w, f.status, errorResponse{Error: errorBody{Code: f.code, Message: f.message}, LastKnown: lastKnown})
}
