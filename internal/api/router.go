package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/imagepod/internal/api/middleware"
	"github.com/kiranshivaraju/imagepod/internal/api/response"
	"github.com/kiranshivaraju/imagepod/internal/metrics"
	"github.com/kiranshivaraju/imagepod/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	SubmitJob      http.HandlerFunc
	GetJob         http.HandlerFunc
	CancelJob      http.HandlerFunc
	DeployEndpoint http.HandlerFunc
	AddExecutor    http.HandlerFunc

	PollUpdates      http.HandlerFunc
	UpdateJob        http.HandlerFunc
	UpdateEndpoint   http.HandlerFunc
	RegisterExecutor http.HandlerFunc
	ListEndpoints    http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger(logger))
	r.Use(mw.Recovery(logger))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
	}

	// Public
	r.Get("/health", orNotImplemented(deps.HealthHandler))
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		// Client routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireUser)

			r.Group(func(r chi.Router) {
				r.Use(deps.Auth.RequireScope(models.ScopeJobs))

				r.Post("/jobs/{endpointID}/run", orNotImplemented(deps.SubmitJob))
				r.Get("/jobs/{endpointID}/status/{jobID}", orNotImplemented(deps.GetJob))
				r.Get("/jobs/{endpointID}/cancel/{jobID}", orNotImplemented(deps.CancelJob))
				r.Post("/jobs/{endpointID}/cancel/{jobID}", orNotImplemented(deps.CancelJob))
			})

			r.Group(func(r chi.Router) {
				r.Use(deps.Auth.RequireScope(models.ScopeEndpoints))

				r.Post("/endpoints/{endpointID}/deploy", orNotImplemented(deps.DeployEndpoint))
				r.Post("/executors/add", orNotImplemented(deps.AddExecutor))
			})
		})

		// Executor routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireExecutor)

			r.Get("/executors/updates", orNotImplemented(deps.PollUpdates))
			r.Patch("/executors/job/{jobID}", orNotImplemented(deps.UpdateJob))
			r.Patch("/executors/endpoints/{endpointID}", orNotImplemented(deps.UpdateEndpoint))
			r.Post("/executors/register", orNotImplemented(deps.RegisterExecutor))
			r.Get("/executors/endpoints", orNotImplemented(deps.ListEndpoints))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
