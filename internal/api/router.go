package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		// Shadow endpoints
		r.Route("/shadows", func(r chi.Router) {
			r.Post("/", s.handleCreateShadow)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetShadow)
				r.Patch("/", s.handleUpdateShadow)
				r.Delete("/", s.handleDeleteShadow)
				r.Put("/desired", s.handleSetDesired)
				r.Post("/report", s.handleReport)
				r.Get("/delta", s.handleGetDelta)
				r.Get("/history", s.handleGetHistory)
			})
		})

		// WebSocket fan-out
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server health status, including storage
// backend health and migration state when a database is attached.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": s.version,
	}
	if s.backend != "" {
		body["storage_backend"] = s.backend
	}

	status := http.StatusOK
	if s.db != nil {
		storage := map[string]any{"status": "ok"}
		if err := s.db.HealthCheck(r.Context()); err != nil {
			storage["status"] = "unhealthy"
			storage["error"] = err.Error()
			body["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
		if applied, pending, err := s.db.GetMigrationStatus(r.Context()); err == nil {
			storage["migrations_applied"] = len(applied)
			storage["migrations_pending"] = len(pending)
		}
		body["storage"] = storage
	}

	writeJSON(w, status, body)
}

// handleMetrics returns basic runtime and fan-out metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds":        int64(time.Since(s.start).Seconds()),
		"goroutines":            runtime.NumGoroutine(),
		"heap_alloc_bytes":      mem.HeapAlloc,
		"websocket_connections": s.registry.ConnectionCount(),
	})
}
