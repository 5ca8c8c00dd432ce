package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/zatekoja/clinicqueue/internal/api/handlers"
	"github.com/zatekoja/clinicqueue/internal/api/middleware"
	"github.com/zatekoja/clinicqueue/internal/infrastructure/observability"
)

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// Router holds all route handlers
type Router struct {
	mux *http.ServeMux

	queueHandler *handlers.QueueHandler
	sseHandler   *handlers.SSEHandler
	wsHandler    *handlers.WebSocketHandler

	checks  map[string]HealthCheck
	origins []string
	metrics *observability.Metrics
}

// NewRouter creates a new router. sseHandler and wsHandler may be nil when streams
// are served by a separate process.
func NewRouter(
	queueHandler *handlers.QueueHandler,
	sseHandler *handlers.SSEHandler,
	wsHandler *handlers.WebSocketHandler,
	metrics *observability.Metrics,
) *Router {
	return &Router{
		mux:          http.NewServeMux(),
		queueHandler: queueHandler,
		sseHandler:   sseHandler,
		wsHandler:    wsHandler,
		checks:       make(map[string]HealthCheck),
		origins:      []string{"*"},
		metrics:      metrics,
	}
}

// AddHealthCheck registers a dependency probe for /health
func (r *Router) AddHealthCheck(name string, check HealthCheck) {
	r.checks[name] = check
}

// SetAllowedOrigins restricts which browser origins may call the API
func (r *Router) SetAllowedOrigins(origins []string) {
	if len(origins) > 0 {
		r.origins = origins
	}
}

// SetupRoutes configures all application routes
func (r *Router) SetupRoutes() http.Handler {
	r.mux.HandleFunc("GET /health", r.health)

	// Encounter endpoints
	r.mux.HandleFunc("POST /api/encounters/check-in", r.queueHandler.CheckIn)
	r.mux.HandleFunc("POST /api/encounters/schedule", r.queueHandler.Schedule)
	r.mux.HandleFunc("GET /api/encounters/{id}", r.queueHandler.GetEncounter)
	r.mux.HandleFunc("POST /api/encounters/{id}/transition", r.queueHandler.Transition)

	// Queue endpoints
	r.mux.HandleFunc("POST /api/queues/{queue}/call-next", r.queueHandler.CallNext)
	r.mux.HandleFunc("GET /api/queues/waitlist", r.queueHandler.GetWaitlist)
	r.mux.HandleFunc("GET /api/queues/counters", r.queueHandler.GetCounters)
	r.mux.HandleFunc("POST /api/queues/counters/reconcile", r.queueHandler.Reconcile)
	r.mux.HandleFunc("GET /api/dashboard/stats", r.queueHandler.DashboardStats)

	// Streams
	if r.sseHandler != nil {
		r.mux.HandleFunc("GET /api/stream/queues", r.sseHandler.StreamAllQueues)
		r.mux.HandleFunc("GET /api/stream/queues/{queue}", r.sseHandler.StreamQueue)
	}
	if r.wsHandler != nil {
		r.mux.HandleFunc("GET /ws/clinic", r.wsHandler.HandleClinic)
	}

	var handler http.Handler = r.mux
	handler = middleware.ResponseOptimization(handler)
	handler = middleware.CORS(r.origins)(handler)
	handler = middleware.LoggingMiddleware(handler)
	handler = middleware.ObservabilityMiddleware(r.metrics)(handler)
	return handler
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	if len(r.checks) == 0 {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	report := make(map[string]string, len(r.checks))
	for name, check := range r.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			report[name] = err.Error()
			continue
		}
		report[name] = "ok"
	}
	writeJSON(w, status, report)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
