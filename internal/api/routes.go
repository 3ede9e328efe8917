package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"meshjobs/internal/auth"
	"meshjobs/internal/health"
	"meshjobs/internal/job"
	"meshjobs/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService     *job.Service
	Metrics        *observability.Metrics
	HealthChecker  *health.Checker
	Gate           auth.Gate
	MaxUploadBytes int64
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.HealthChecker, cfg.MaxUploadBytes)

	r := chi.NewRouter()

	// Middleware chain (order matters: outermost first)
	r.Use(RecoveryMiddleware())
	r.Use(middleware.RequestID, middleware.RealIP)
	r.Use(LoggingMiddleware())
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}
	r.Use(CORSMiddleware())
	r.Use(ContentTypeMiddleware())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	// Health check endpoints (liveness/readiness probes) - no auth required
	r.Get("/livez", handler.Livez)
	r.Get("/readyz", handler.Readyz)

	// Job endpoints - auth required
	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Gate))

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", handler.CreateJob)
			r.Get("/", handler.ListJobs)
			r.Get("/{jobHandle}", handler.GetJob)
			r.Get("/{jobHandle}/input", handler.GetJobInput)
			r.Get("/{jobHandle}/output", handler.GetJobOutput)
		})
		r.Get("/artifacts/{ref}", handler.GetArtifact)
	})

	return r
}
