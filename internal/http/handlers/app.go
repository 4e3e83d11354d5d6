package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"genjobs/internal/domain"
	"genjobs/internal/infra"
	"genjobs/internal/middleware"
)

// JobSubmitter starts generation jobs.
type JobSubmitter interface {
	Submit(ctx context.Context, ownerID, sourceReference string, params domain.GenerationParams) (*domain.GenerationJob, error)
}

// JobPoller reports generation job status.
type JobPoller interface {
	Poll(ctx context.Context, internalID, requesterID string) (*domain.GenerationJob, error)
}

type App struct {
	Config    *infra.Config
	Logger    *infra.Logger
	Submitter JobSubmitter
	Poller    JobPoller
	// ReadyCheck reports whether the job store is reachable. Nil means always ready.
	ReadyCheck func(ctx context.Context) error
}

func NewApp(cfg *infra.Config, logger *infra.Logger, submitter JobSubmitter, poller JobPoller) *App {
	return &App{Config: cfg, Logger: infra.LoggerOrDiscard(logger), Submitter: submitter, Poller: poller}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error     errorBody       `json:"error"`
	LastKnown *statusResponse `json:"lastKnown,omitempty"`
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, errorResponse{Error: errorBody{Code: errCode, Message: message}})
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}
