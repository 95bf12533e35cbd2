package api

import (
	"agentd/internal/health"
	"agentd/internal/job"
	"agentd/internal/observability"
	"net/http"
)

// RouterConfig wires the router. Metrics and APIKey are optional.
type RouterConfig struct {
	JobService    *job.Service
	Queue         QueueStats
	Providers     ProviderInfos
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter builds the API handler.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.Queue, cfg.Providers, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Probes stay unauthenticated.
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	auth := AuthMiddleware(cfg.APIKey)
	routes := map[string]http.HandlerFunc{
		"POST /v1/jobs":                 handler.CreateJob,
		"GET /v1/jobs":                  handler.ListJobs,
		"GET /v1/jobs/{jobId}":          handler.GetJob,
		"DELETE /v1/jobs/{jobId}":       handler.DeleteJob,
		"POST /v1/jobs/{jobId}/resume":  handler.ResumeJob,
		"POST /v1/jobs/{jobId}/reset":   handler.ResetJob,
		"GET /v1/jobs/{jobId}/messages": handler.ListMessages,
		"GET /v1/queue/stats":           handler.QueueStats,
		"GET /v1/providers":             handler.ListProviders,
	}
	for pattern, fn := range routes {
		mux.Handle(pattern, auth(fn))
	}

	mws := []Middleware{RequestIDMiddleware(), RecoveryMiddleware(), LoggingMiddleware()}
	if cfg.Metrics != nil {
		mws = append(mws, MetricsMiddleware(cfg.Metrics))
	}
	mws = append(mws, CORSMiddleware(), ContentTypeMiddleware())
	return chain(mux, mws...)
}
