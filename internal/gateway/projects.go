package gateway

import (
	"net/http"

	"github.com/stefanodecillis/opengate/internal/models"
)

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.cfg.Store.ListProjects(r.Context(), queryParam(r, "status"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var input models.CreateProject
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, err)
		return
	}
	if input.Name == "" {
		writeError(w, models.ValidationErr("project name is required"))
		return
	}
	project, err := s.cfg.Store.CreateProject(r.Context(), &input)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publish("project.created", project.ID, "", project)
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Store.GetProjectWithStats(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	var input models.UpdateProject
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, err)
		return
	}
	project, err := s.cfg.Store.UpdateProject(r.Context(), r.PathValue("id"), &input)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publish("project.updated", project.ID, "", project)
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleArchiveProject(w http.ResponseWriter, r *http.Request) {
	ok, err := s.cfg.Store.ArchiveProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, models.NotFoundErr("project"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetPulse(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	if _, err := s.cfg.Store.GetProject(r.Context(), projectID); err != nil {
		writeError(w, err)
		return
	}
	var callerAgentID *string
	if identity := identityFrom(r); identity.IsAgent() {
		callerAgentID = &identity.ID
	}
	pulse, err := s.cfg.Store.GetPulse(r.Context(), projectID, callerAgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pulse)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	if _, err := s.cfg.Store.GetProject(r.Context(), projectID); err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.cfg.Store.GetSchedule(r.Context(), projectID, queryParam(r, "from"), queryParam(r, "to"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleProjectEvents(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	if _, err := s.cfg.Store.GetProject(r.Context(), projectID); err != nil {
		writeError(w, err)
		return
	}
	var after int64
	if v := queryParam(r, "after"); v != nil {
		after = parseInt64(*v)
	}
	events, err := s.cfg.Store.ListEvents(r.Context(), projectID, after, 500)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Store.GetStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
