package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/arctek/vibecc/pipeline"
)

// envelope is the uniform response shape: exactly one of Data and Error is
// set.
type envelope struct {
	Data  any     `json:"data"`
	Error *string `json:"error"`
}

func (s *Server) respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if status == http.StatusNoContent {
		return
	}
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: &msg}); err != nil {
		s.logger.Error("Failed to encode error response", "error", err)
	}
}

// fail maps domain errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrProjectNotFound),
		errors.Is(err, pipeline.ErrPipelineNotFound),
		errors.Is(err, pipeline.ErrHistoryNotFound),
		errors.Is(err, pipeline.ErrTicketNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrDuplicateRepo),
		errors.Is(err, pipeline.ErrPipelineExists),
		errors.Is(err, pipeline.ErrProjectHasActivePipelines):
		s.respondError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("Request failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// projectRequest is the create/update body. Pointer fields distinguish
// "absent" from "zero" for PATCH.
type projectRequest struct {
	Name             *string `json:"name"`
	Repo             *string `json:"repo"`
	BaseBranch       *string `json:"base_branch"`
	Board            *string `json:"board"`
	MaxRetriesCI     *int    `json:"max_retries_ci"`
	MaxRetriesReview *int    `json:"max_retries_review"`
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Name == nil || *req.Name == "" {
		s.respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Repo == nil || !strings.Contains(*req.Repo, "/") {
		s.respondError(w, http.StatusBadRequest, "repo must be owner/name")
		return
	}
	if req.MaxRetriesCI != nil && *req.MaxRetriesCI < 0 {
		s.respondError(w, http.StatusBadRequest, "max_retries_ci must be non-negative")
		return
	}
	if req.MaxRetriesReview != nil && *req.MaxRetriesReview < 0 {
		s.respondError(w, http.StatusBadRequest, "max_retries_review must be non-negative")
		return
	}

	p := &pipeline.Project{
		Name:       *req.Name,
		Repo:       *req.Repo,
		BaseBranch: pipeline.DefaultBaseBranch,
	}
	if req.BaseBranch != nil && *req.BaseBranch != "" {
		p.BaseBranch = *req.BaseBranch
	}
	if req.Board != nil {
		p.Board = *req.Board
	}
	if req.MaxRetriesCI != nil {
		p.MaxRetriesCI = *req.MaxRetriesCI
	}
	if req.MaxRetriesReview != nil {
		p.MaxRetriesReview = *req.MaxRetriesReview
	}

	if err := s.store.CreateProject(p); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusCreated, p)
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects()
	if err != nil {
		s.fail(w, err)
		return
	}
	if projects == nil {
		projects = []pipeline.Project{}
	}
	s.respond(w, http.StatusOK, projects)
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProject(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, p)
}

func (s *Server) updateProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProject(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}

	var req projectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Name != nil {
		if *req.Name == "" {
			s.respondError(w, http.StatusBadRequest, "name must not be empty")
			return
		}
		p.Name = *req.Name
	}
	if req.Repo != nil {
		if !strings.Contains(*req.Repo, "/") {
			s.respondError(w, http.StatusBadRequest, "repo must be owner/name")
			return
		}
		p.Repo = *req.Repo
	}
	if req.BaseBranch != nil && *req.BaseBranch != "" {
		p.BaseBranch = *req.BaseBranch
	}
	if req.Board != nil {
		p.Board = *req.Board
	}
	if req.MaxRetriesCI != nil {
		if *req.MaxRetriesCI < 0 {
			s.respondError(w, http.StatusBadRequest, "max_retries_ci must be non-negative")
			return
		}
		p.MaxRetriesCI = *req.MaxRetriesCI
	}
	if req.MaxRetriesReview != nil {
		if *req.MaxRetriesReview < 0 {
			s.respondError(w, http.StatusBadRequest, "max_retries_review must be non-negative")
			return
		}
		p.MaxRetriesReview = *req.MaxRetriesReview
	}

	if err := s.store.UpdateProject(p); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, p)
}

func (s *Server) deleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteProject(chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}

func (s *Server) listPipelines(w http.ResponseWriter, r *http.Request) {
	f := pipeline.PipelineFilter{
		ProjectID: r.URL.Query().Get("project_id"),
		State:     pipeline.State(r.URL.Query().Get("state")),
	}
	if f.State != "" && !pipeline.ValidState(f.State) {
		s.respondError(w, http.StatusBadRequest, "unknown state "+string(f.State))
		return
	}

	pipelines, err := s.store.ListPipelines(f)
	if err != nil {
		s.fail(w, err)
		return
	}
	if pipelines == nil {
		pipelines = []pipeline.Pipeline{}
	}
	s.respond(w, http.StatusOK, pipelines)
}

func (s *Server) getPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPipeline(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, p)
}

func (s *Server) getPipelineByTicket(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPipelineByTicket(chi.URLParam(r, "id"), chi.URLParam(r, "ticketID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, p)
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	f := pipeline.HistoryFilter{
		ProjectID:  r.URL.Query().Get("project_id"),
		FinalState: pipeline.State(r.URL.Query().Get("final_state")),
	}
	if f.FinalState != "" && !f.FinalState.Terminal() {
		s.respondError(w, http.StatusBadRequest, "final_state must be merged or failed")
		return
	}

	var err error
	if f.Limit, err = queryInt(r, "limit", 0); err != nil {
		s.respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	if f.Offset, err = queryInt(r, "offset", 0); err != nil {
		s.respondError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	history, err := s.store.GetHistory(f)
	if err != nil {
		s.fail(w, err)
		return
	}
	if history == nil {
		history = []pipeline.History{}
	}
	s.respond(w, http.StatusOK, history)
}

func (s *Server) getHistoryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetHistoryStats(r.URL.Query().Get("project_id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, stats)
}

func (s *Server) getAutopilotStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.autopilot.AutopilotStatus(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, status)
}

func (s *Server) startAutopilot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.autopilot.StartProject(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	status, err := s.autopilot.AutopilotStatus(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, status)
}

func (s *Server) stopAutopilot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	// Verify the project before emitting a stop for it.
	if _, err := s.store.GetProject(id); err != nil {
		s.fail(w, err)
		return
	}
	s.autopilot.StopProject(id, "manual")

	status, err := s.autopilot.AutopilotStatus(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, status)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}
