package gateway

import (
	"net/http"
	"strings"

	"github.com/stefanodecillis/opengate/internal/models"
)

// --- Activity ---

func (s *Server) handleListActivity(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if _, err := s.cfg.Store.GetTask(r.Context(), taskID); err != nil {
		writeError(w, err)
		return
	}
	activity, err := s.cfg.Store.ListActivity(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, activity)
}

func (s *Server) handleCreateActivity(w http.ResponseWriter, r *http.Request) {
	var input models.CreateActivity
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, err)
		return
	}
	if input.Content == "" {
		writeError(w, models.ValidationErr("activity content is required"))
		return
	}
	identity := identityFrom(r)
	activity, pending, err := s.cfg.Store.CreateActivity(r.Context(), r.PathValue("id"), identity, &input)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishForTask(r, "task.progress", activity.TaskID, identity.AuthorID(), activity)
	s.dispatch(r, pending)
	writeJSON(w, http.StatusCreated, activity)
}

// --- Artifacts ---

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if _, err := s.cfg.Store.GetTask(r.Context(), taskID); err != nil {
		writeError(w, err)
		return
	}
	artifacts, err := s.cfg.Store.ListArtifacts(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifacts)
}

func (s *Server) handleCreateArtifact(w http.ResponseWriter, r *http.Request) {
	var input models.CreateArtifact
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, err)
		return
	}
	validType := false
	for _, t := range models.ValidArtifactTypes {
		if input.ArtifactType == t {
			validType = true
			break
		}
	}
	if !validType {
		writeError(w, models.ValidationErr(
			"invalid artifact_type '"+input.ArtifactType+"'. Must be one of: "+strings.Join(models.ValidArtifactTypes, ", ")))
		return
	}
	if (input.ArtifactType == "text" || input.ArtifactType == "json") && len(input.Value) > models.MaxInlineArtifactLen {
		writeError(w, models.ValidationErr("value exceeds maximum length of 65536 for text/json artifact types"))
		return
	}

	identity := identityFrom(r)
	artifact, pending, err := s.cfg.Store.CreateArtifact(r.Context(), r.PathValue("id"), &input, identity)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishForTask(r, "task.artifact_created", artifact.TaskID, identity.AuthorID(), artifact)
	s.dispatch(r, pending)
	writeJSON(w, http.StatusCreated, artifact)
}

func (s *Server) handleDeleteArtifact(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if _, err := s.cfg.Store.GetTask(r.Context(), taskID); err != nil {
		writeError(w, err)
		return
	}
	artifact, err := s.cfg.Store.GetArtifact(r.Context(), r.PathValue("artifact_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if artifact.TaskID != taskID {
		writeError(w, models.NotFoundErr("artifact for this task"))
		return
	}
	identity := identityFrom(r)
	if artifact.CreatedByType != identity.AuthorType() || artifact.CreatedByID != identity.AuthorID() {
		writeError(w, models.ForbiddenErr("only the artifact creator can delete artifacts"))
		return
	}
	if _, err := s.cfg.Store.DeleteArtifact(r.Context(), artifact.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Usage ---

func (s *Server) handleReportUsage(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if _, err := s.cfg.Store.GetTask(r.Context(), taskID); err != nil {
		writeError(w, err)
		return
	}
	var input models.ReportUsage
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, err)
		return
	}
	identity := identityFrom(r)
	entry, err := s.cfg.Store.ReportTaskUsage(r.Context(), taskID, identity.AuthorID(), &input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleGetTaskUsage(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if _, err := s.cfg.Store.GetTask(r.Context(), taskID); err != nil {
		writeError(w, err)
		return
	}
	usage, err := s.cfg.Store.GetTaskUsage(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *Server) handleProjectUsage(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	if _, err := s.cfg.Store.GetProject(r.Context(), projectID); err != nil {
		writeError(w, err)
		return
	}
	report, err := s.cfg.Store.GetProjectUsage(r.Context(), projectID, queryParam(r, "from"), queryParam(r, "to"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Knowledge base ---

func (s *Server) handleListKnowledge(w http.ResponseWriter, r *http.Request) {
	entries, err := s.cfg.Store.ListKnowledge(r.Context(), r.PathValue("id"), queryParam(r, "prefix"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleSearchKnowledge(w http.ResponseWriter, r *http.Request) {
	query := ""
	if v := queryParam(r, "q"); v != nil {
		query = *v
	}
	var tags []string
	if v := queryParam(r, "tags"); v != nil {
		for _, tag := range strings.Split(*v, ",") {
			if trimmed := strings.TrimSpace(tag); trimmed != "" {
				tags = append(tags, trimmed)
			}
		}
	}
	entries, err := s.cfg.Store.SearchKnowledge(r.Context(), r.PathValue("id"), query, tags, queryParam(r, "category"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetKnowledge(w http.ResponseWriter, r *http.Request) {
	entry, err := s.cfg.Store.GetKnowledge(r.Context(), r.PathValue("id"), r.PathValue("key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleUpsertKnowledge(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	if _, err := s.cfg.Store.GetProject(r.Context(), projectID); err != nil {
		writeError(w, err)
		return
	}
	var input models.UpsertKnowledge
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, err)
		return
	}
	if input.Title == "" || input.Content == "" {
		writeError(w, models.ValidationErr("knowledge title and content are required"))
		return
	}
	identity := identityFrom(r)
	entry, err := s.cfg.Store.UpsertKnowledge(r.Context(), projectID, r.PathValue("key"), &input, identity)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publish("knowledge.updated", projectID, identity.AuthorID(), entry)
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleDeleteKnowledge(w http.ResponseWriter, r *http.Request) {
	ok, err := s.cfg.Store.DeleteKnowledge(r.Context(), r.PathValue("id"), r.PathValue("key"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, models.NotFoundErr("knowledge entry"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
