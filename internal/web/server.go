// Package web is the HTTP surface: project CRUD, read-only pipelines and
// history, autopilot control, and the SSE event stream.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/arctek/vibecc/events"
	"github.com/arctek/vibecc/pipeline"
)

// Autopilot is the slice of the scheduler manager the HTTP layer drives.
type Autopilot interface {
	StartProject(ctx context.Context, projectID string) error
	StopProject(projectID, reason string)
	AutopilotStatus(projectID string) (*pipeline.AutopilotStatus, error)
}

// Server serves the API.
type Server struct {
	store     pipeline.Store
	autopilot Autopilot
	bus       *events.Bus
	logger    *slog.Logger
	http      *http.Server
}

// NewServer creates the API server on addr.
func NewServer(addr string, store pipeline.Store, autopilot Autopilot, bus *events.Bus, logger *slog.Logger) *Server {
	s := &Server{
		store:     store,
		autopilot: autopilot,
		bus:       bus,
		logger:    logger,
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the chi router. Exposed so tests can serve it directly.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/projects", s.listProjects)
		r.Post("/projects", s.createProject)
		r.Route("/projects/{id}", func(r chi.Router) {
			r.Get("/", s.getProject)
			r.Patch("/", s.updateProject)
			r.Delete("/", s.deleteProject)
			r.Get("/autopilot", s.getAutopilotStatus)
			r.Post("/autopilot/start", s.startAutopilot)
			r.Post("/autopilot/stop", s.stopAutopilot)
			r.Get("/tickets/{ticketID}/pipeline", s.getPipelineByTicket)
		})

		r.Get("/pipelines", s.listPipelines)
		r.Get("/pipelines/{id}", s.getPipeline)

		r.Get("/history", s.getHistory)
		r.Get("/history/stats", s.getHistoryStats)

		r.Get("/events/stream", s.streamEvents)
	})

	return r
}

// ListenAndServe blocks serving the API until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server listening", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
