package handlers

import (
	"context"
	"net/http"
	"time"
)

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready reports whether the job store answers.
func (a *App) Ready(w http.ResponseWriter, r *http.Request) {
	if a.ReadyCheck != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ReadyCheck(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("handlers: readiness check failed")
			a.error(w, http.StatusServiceUnavailable, "unavailable", "job store unavailable")
			return
		}
	}
	a.json(w, http.StatusOK, map[string]string{"status": "ready"})
}
