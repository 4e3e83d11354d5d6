package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"genjobs/internal/http/handlers"
	"genjobs/internal/infra"
	"genjobs/internal/middleware"
)

func NewRouter(app *handlers.App, cfg *infra.Config, logger infra.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(logger),
		middleware.CORS(cfg.CORSAllowedOrigins),
	)

	// Health
	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/readyz", app.Ready)

	// One limiter shared by the versioned and legacy submit routes.
	limit := middleware.RateLimit(cfg.RateLimitPerMin, time.Minute)
	generate := func(r chi.Router) {
		r.Use(middleware.AuthJWT(middleware.JWTConfig{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer, Audience: cfg.JWTAudience}))
		r.With(limit).Post("/", app.Generate)
		r.Get("/{internalId}/status", app.GenerateStatus)
	}
	r.Route("/v1/generate", generate)
	r.Route("/generate", generate)

	return r
}
