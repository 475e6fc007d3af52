package api

import (
	"net/http"
	"time"

	"afterglow/internal/health"
	"afterglow/internal/lifecycle"
	"afterglow/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Controller          *lifecycle.Controller
	Metrics             *observability.Metrics
	HealthChecker       *health.Checker
	DefaultPollInterval time.Duration
	APIKey              string
}

// NewRouter creates the bridge's HTTP handler with all routes configured. The
// returned Handler must be closed on shutdown.
func NewRouter(cfg RouterConfig) (http.Handler, *Handler) {
	handler := NewHandler(cfg.Controller, cfg.Metrics, cfg.HealthChecker, cfg.DefaultPollInterval)

	mux := http.NewServeMux()

	// Probes - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	auth := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/submissions", auth(http.HandlerFunc(handler.Submit)))
	mux.Handle("GET /v1/jobs", auth(http.HandlerFunc(handler.ListJobs)))
	mux.Handle("GET /v1/jobs/{jobId}", auth(http.HandlerFunc(handler.GetJob)))
	mux.Handle("DELETE /v1/jobs/{jobId}", auth(http.HandlerFunc(handler.StopJob)))
	mux.Handle("POST /v1/jobs/{jobId}/cancel", auth(http.HandlerFunc(handler.CancelJob)))
	mux.Handle("GET /v1/streams/{token}", auth(http.HandlerFunc(handler.Stream)))

	// Outermost last
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RequestIDMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h, handler
}
