// Package api is the HTTP control plane over the pipeline runner: start
// a run, stream its events, answer a clarification, cancel, inspect the
// checkpointed state, and manage recurring schedules.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/forgeflow/forgeflow/internal/eventbus"
	"github.com/forgeflow/forgeflow/internal/pipeline"
	"github.com/forgeflow/forgeflow/internal/schedule"
)

// Server holds the control plane's collaborators.
type Server struct {
	bus       *eventbus.Bus
	runner    *pipeline.Runner
	schedules *schedule.Service
	auth      *Auth
}

// NewServer creates a Server. schedules and auth may be nil: a nil
// schedule service hides the schedule endpoints, a nil auth leaves the
// API unguarded (local dev).
func NewServer(bus *eventbus.Bus, runner *pipeline.Runner, schedules *schedule.Service, auth *Auth) *Server {
	return &Server{bus: bus, runner: runner, schedules: schedules, auth: auth}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", s.health)

	r.Route("/api", func(r chi.Router) {
		if s.auth != nil {
			r.Use(s.auth.Middleware)
		}
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.startRun)
			r.Get("/{id}", s.getRun)
			r.Get("/{id}/events", s.streamEvents)
			r.Post("/{id}/resume", s.resumeRun)
			r.Post("/{id}/cancel", s.cancelRun)
		})
		if s.schedules != nil {
			r.Route("/schedules", func(r chi.Router) {
				r.Post("/", s.createSchedule)
				r.Get("/", s.listSchedules)
				r.Delete("/{id}", s.deleteSchedule)
			})
		}
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
