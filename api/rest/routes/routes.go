package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"lora-orchestrator/api/rest/handlers"
)

// Config holds dependencies for the router.
type Config struct {
	Jobs           *handlers.JobHandler
	Metrics        handlers.HTTPRecorder // nil disables request metrics
	MetricsHandler http.Handler          // served on /metrics when set
	UploadsDir     string                // served under /uploads/ when set
}

// NewRouter configures all API routes and the middleware chain.
func NewRouter(cfg Config) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", handlers.Health).Methods(http.MethodGet)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler).Methods(http.MethodGet)
	}
	if cfg.UploadsDir != "" {
		r.PathPrefix("/uploads/").
			Handler(http.StripPrefix("/uploads/", http.FileServer(http.Dir(cfg.UploadsDir)))).
			Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/upload-images", cfg.Jobs.UploadImages).Methods(http.MethodPost)
	api.HandleFunc("/start-training", cfg.Jobs.StartTraining).Methods(http.MethodPost)
	api.HandleFunc("/check-training-status/{id}", cfg.Jobs.CheckStatus).Methods(http.MethodGet)
	api.HandleFunc("/check-training-status/{id}/weights", cfg.Jobs.ResetWeights).Methods(http.MethodDelete)
	api.HandleFunc("/check-training-status/{id}/events", cfg.Jobs.GetJobEvents).Methods(http.MethodGet)
	api.HandleFunc("/generate-image", cfg.Jobs.GenerateImage).Methods(http.MethodPost)

	// router middleware runs after matching, so the route template is known
	r.Use(handlers.RecoveryMiddleware())
	r.Use(handlers.LoggingMiddleware())
	if cfg.Metrics != nil {
		r.Use(handlers.MetricsMiddleware(cfg.Metrics))
	}

	// preflight requests match no route
	return handlers.CORSMiddleware()(r)
}
