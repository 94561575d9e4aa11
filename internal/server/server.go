// Package server exposes the read-only HTTP surface: health, decision
// statistics, emails with their audit trail, and runtime settings.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"praxismail/internal/database"
	"praxismail/internal/decide"
	"praxismail/internal/health"
	"praxismail/internal/settings"
)

// HealthSource provides the latest watchdog health report.
type HealthSource interface {
	LastReport() *health.Report
}

// Server is the HTTP API.
type Server struct {
	db       *database.DB
	decider  *decide.Decider
	settings *settings.Registry
	healthy  HealthSource
	logger   *slog.Logger
}

// New creates the API server.
func New(db *database.DB, decider *decide.Decider, registry *settings.Registry, healthSource HealthSource, logger *slog.Logger) *Server {
	return &Server{
		db:       db,
		decider:  decider,
		settings: registry,
		healthy:  healthSource,
		logger:   logger,
	}
}

// Router builds the chi router with the standard middleware stack.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.logRequests)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.HealthCheck)
		r.Get("/stats", s.GetStats)
		r.Get("/emails/{id}", s.GetEmail)
		r.Get("/emails/{id}/events", s.GetEmailEvents)
		r.Get("/settings", s.GetSettings)
		r.Put("/settings/{key}", s.PutSetting)
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)

		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.Status(),
			"duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
