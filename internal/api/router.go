package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mw "github.com/botmarket/botmarket/internal/api/middleware"
	"github.com/botmarket/botmarket/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	RateLimit *mw.RateLimit
	Admin     *mw.Admin

	HealthHandler http.HandlerFunc

	CreateJob   http.HandlerFunc
	DepositJob  http.HandlerFunc
	CancelJob   http.HandlerFunc
	ClaimJob    http.HandlerFunc
	CompleteJob http.HandlerFunc
	ListJobs    http.HandlerFunc
	ListOpen    http.HandlerFunc
	GetJob      http.HandlerFunc
	VerifyJob   http.HandlerFunc
	VerifyHash  http.HandlerFunc

	GetResult http.HandlerFunc

	AdminEscrows http.HandlerFunc
	AdminStats   http.HandlerFunc

	// DemoActivate is registered only when non-nil (DEMO_MODE).
	DemoActivate http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	r.Use(mw.SecurityHeaders)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Post("/api/v1/jobs", orNotImplemented(deps.CreateJob))
		r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobs))
		r.Get("/api/v1/jobs/open", orNotImplemented(deps.ListOpen))
		r.Get("/api/v1/jobs/{id}", orNotImplemented(deps.GetJob))
		r.Post("/api/v1/jobs/{id}/deposit", orNotImplemented(deps.DepositJob))
		r.Post("/api/v1/jobs/{id}/cancel", orNotImplemented(deps.CancelJob))
		r.Post("/api/v1/jobs/{id}/claim", orNotImplemented(deps.ClaimJob))
		r.Post("/api/v1/jobs/{id}/complete", orNotImplemented(deps.CompleteJob))
		r.Get("/api/v1/jobs/{id}/verify", orNotImplemented(deps.VerifyJob))
		r.Post("/api/v1/jobs/{id}/verify-hash", orNotImplemented(deps.VerifyHash))

		r.Get("/api/v1/results/{jobID}", orNotImplemented(deps.GetResult))

		if deps.DemoActivate != nil {
			r.Post("/api/v1/jobs/{id}/activate", deps.DemoActivate)
		}

		// Admin routes
		if deps.Admin != nil {
			r.Group(func(r chi.Router) {
				r.Use(deps.Admin.Require)

				r.Get("/api/v1/admin/escrows", orNotImplemented(deps.AdminEscrows))
				r.Get("/api/v1/admin/stats", orNotImplemented(deps.AdminStats))
			})
		}
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
