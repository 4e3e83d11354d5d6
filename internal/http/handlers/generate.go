package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"genjobs/internal/domain"
)

const maxGenerateBody = 64 << 10

type generateRequest struct {
	SourceReference string                  `json:"sourceReference"`
	Params          domain.GenerationParams `json:"params"`
}

type generateResponse struct {
	InternalID string `json:"internalId"`
	State      string `json:"state"`
}

type statusResponse struct {
	InternalID      string    `json:"internalId"`
	State           string    `json:"state"`
	ResultReference string    `json:"resultReference,omitempty"`
	LastError       string    `json:"lastError,omitempty"`
	Stale           bool      `json:"stale,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func newStatusResponse(job *domain.GenerationJob) *statusResponse {
	if job == nil {
		return nil
	}
	return &statusResponse{
		InternalID:      job.ID,
		State:           string(job.State),
		ResultReference: job.ResultReference,
		LastError:       job.LastError,
		Stale:           job.Stale,
		UpdatedAt:       job.UpdatedAt.UTC(),
	}
}

// Generate handles POST /generate.
func (a *App) Generate(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req generateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxGenerateBody))
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			a.error(w, http.StatusRequestEntityTooLarge, "payload_too_large", "payload too large")
		case errors.Is(err, io.EOF):
			a.error(w, http.StatusBadRequest, "invalid_request", "request body is required")
		default:
			a.error(w, http.StatusBadRequest, "invalid_request", "invalid payload")
		}
		return
	}
	req.Params.Prompt = strings.TrimSpace(req.Params.Prompt)
	req.Params.AspectRatio = strings.TrimSpace(req.Params.AspectRatio)

	job, err := a.Submitter.Submit(r.Context(), userID, req.SourceReference, req.Params)
	if err != nil {
		a.fail(w, r, err, nil)
		return
	}
	a.json(w, http.StatusAccepted, generateResponse{InternalID: job.ID, State: string(job.State)})
}

// GenerateStatus handles GET /generate/{internalId}/status.
func (a *App) GenerateStatus(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	internalID := strings.TrimSpace(chi.URLParam(r, "internalId"))
	if internalID == "" {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	job, err := a.Poller.Poll(r.Context(), internalID, userID)
	if err != nil {
		a.fail(w, r, err, newStatusResponse(job))
		return
	}
	a.json(w, http.StatusOK, newStatusResponse(job))
}
