package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/stefanodecillis/opengate/internal/models"
)

func taskFiltersFrom(r *http.Request) models.TaskFilters {
	return models.TaskFilters{
		ProjectID:  queryParam(r, "project_id"),
		Status:     queryParam(r, "status"),
		Priority:   queryParam(r, "priority"),
		AssigneeID: queryParam(r, "assignee_id"),
		Tag:        queryParam(r, "tag"),
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.cfg.Store.ListTasks(r.Context(), taskFiltersFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleListProjectTasks(w http.ResponseWriter, r *http.Request) {
	filters := taskFiltersFrom(r)
	projectID := r.PathValue("id")
	filters.ProjectID = &projectID
	tasks, err := s.cfg.Store.ListTasks(r.Context(), filters)
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var input models.CreateTask
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, err)
		return
	}
	if input.Title == "" {
		writeError(w, models.ValidationErr("task title is required"))
		return
	}
	identity := identityFrom(r)
	task, pending, err := s.cfg.Store.CreateTask(r.Context(), r.PathValue("id"), &input, identity)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishTask("task.created", task)
	s.dispatch(r, pending)
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Store.GetTaskFull(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var input models.UpdateTask
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, err)
		return
	}
	identity := identityFrom(r)
	result, err := s.cfg.Store.UpdateTask(r.Context(), r.PathValue("id"), &input, identity)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishTask(result.EventType, result.Task)
	if result.EventType == "task.completed" {
		s.cfg.Dispatcher.FireUpdateWebhook(r.Context(), result.Task)
		s.fireDependencyReadyWebhooks(r, result.Task.ID)
	}
	s.dispatch(r, result.Pending)
	writeJSON(w, http.StatusOK, result.Task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	ok, err := s.cfg.Store.DeleteTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, models.NotFoundErr("task"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMergeContext(w http.ResponseWriter, r *http.Request) {
	var patch json.RawMessage
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.cfg.Store.MergeContext(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishTask("task.updated", task)
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleMyTasks(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if !identity.IsAgent() {
		writeJSON(w, http.StatusOK, []models.Task{})
		return
	}
	tasks, err := s.cfg.Store.TasksForAssignee(r.Context(), identity.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleNextTask(w http.ResponseWriter, r *http.Request) {
	var skills []string
	if v := queryParam(r, "skills"); v != nil {
		for _, skill := range strings.Split(*v, ",") {
			if trimmed := strings.TrimSpace(skill); trimmed != "" {
				skills = append(skills, trimmed)
			}
		}
	}
	task, err := s.cfg.Store.GetNextTask(r.Context(), skills)
	if err != nil {
		if models.KindOf(err) == models.KindNotFound {
			writeErrorMessage(w, http.StatusNotFound, "no matching tasks available")
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	var input models.BatchStatusUpdate
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, err)
		return
	}
	result := s.cfg.Store.BatchUpdateStatus(r.Context(), input.Updates, identityFrom(r))
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	identity, err := requireAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	task, pending, noop, err := s.cfg.Store.ClaimTask(r.Context(), r.PathValue("id"), identity.ID, identity.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	if !noop {
		s.publishTask("task.claimed", task)
		s.publishTask("task.assigned", task)
		s.dispatch(r, pending)
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleReleaseTask(w http.ResponseWriter, r *http.Request) {
	identity, err := requireAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	task, pending, err := s.cfg.Store.ReleaseTask(r.Context(), r.PathValue("id"), identity.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishTask("task.released", task)
	s.dispatch(r, pending)
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var input models.CompleteRequest
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, err)
		return
	}
	identity := identityFrom(r)
	task, pending, err := s.cfg.Store.CompleteTask(r.Context(), r.PathValue("id"), &input, identity)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishTask("task.completed", task)
	s.cfg.Dispatcher.FireUpdateWebhook(r.Context(), task)
	s.fireDependencyReadyWebhooks(r, task.ID)
	s.dispatch(r, pending)
	writeJSON(w, http.StatusOK, task)
}

// fireDependencyReadyWebhooks pushes task webhooks to assigned dependents
// whose upstream set just finished.
func (s *Server) fireDependencyReadyWebhooks(r *http.Request, completedTaskID string) {
	dependents, err := s.cfg.Store.TaskDependents(r.Context(), completedTaskID)
	if err != nil {
		return
	}
	for i := range dependents {
		dep := &dependents[i]
		if dep.AssigneeID == nil {
			continue
		}
		if err := s.cfg.Store.CheckDependencies(r.Context(), dep.ID); err != nil {
			continue
		}
		s.cfg.Dispatcher.FireDependencyReadyWebhook(r.Context(), dep)
	}
}

func (s *Server) handleBlockTask(w http.ResponseWriter, r *http.Request) {
	var input models.BlockRequest
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, err)
		return
	}
	reason := ""
	if input.Reason != nil {
		reason = *input.Reason
	}
	identity := identityFrom(r)
	task, pending, err := s.cfg.Store.BlockTask(r.Context(), r.PathValue("id"), reason, identity)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishTask("task.blocked", task)
	s.dispatch(r, pending)
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleAssignTask(w http.ResponseWriter, r *http.Request) {
	var input models.AssignRequest
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, err)
		return
	}
	identity := identityFrom(r)
	task, pending, err := s.cfg.Store.AssignTask(r.Context(), r.PathValue("id"), input.AgentID, identity)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishTask("task.assigned", task)
	s.cfg.Dispatcher.FireAssignmentWebhook(r.Context(), task)
	s.dispatch(r, pending)
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleHandoffTask(w http.ResponseWriter, r *http.Request) {
	identity, err := requireAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var input models.HandoffRequest
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, err)
		return
	}
	task, pending, err := s.cfg.Store.HandoffTask(r.Context(), r.PathValue("id"), identity.ID, input.ToAgentID, input.Summary)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishTask("task.assigned", task)
	s.cfg.Dispatcher.FireAssignmentWebhook(r.Context(), task)
	s.dispatch(r, pending)
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleSubmitReview(w http.ResponseWriter, r *http.Request) {
	identity, err := requireAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var input models.SubmitReviewRequest
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, err)
		return
	}
	task, pending, err := s.cfg.Store.SubmitReview(r.Context(), r.PathValue("id"), identity.ID, &input)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishTask("task.review_requested", task)
	s.cfg.Dispatcher.FireReviewRequestedWebhook(r.Context(), task)
	s.dispatch(r, pending)
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleStartReview(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	task, pending, err := s.cfg.Store.StartReview(r.Context(), r.PathValue("id"), identity)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishTask("task.review_started", task)
	s.dispatch(r, pending)
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleApproveTask(w http.ResponseWriter, r *http.Request) {
	var input models.ApproveRequest
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, err)
		return
	}
	identity := identityFrom(r)
	task, pending, err := s.cfg.Store.ApproveTask(r.Context(), r.PathValue("id"), identity, input.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishTask("task.approved", task)
	s.cfg.Dispatcher.FireUpdateWebhook(r.Context(), task)
	s.fireDependencyReadyWebhooks(r, task.ID)
	s.dispatch(r, pending)
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRequestChanges(w http.ResponseWriter, r *http.Request) {
	var input models.RequestChangesRequest
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, err)
		return
	}
	if input.Comment == "" {
		writeError(w, models.ValidationErr("comment is required"))
		return
	}
	identity := identityFrom(r)
	task, pending, err := s.cfg.Store.RequestChanges(r.Context(), r.PathValue("id"), identity, input.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishTask("task.changes_requested", task)
	s.cfg.Dispatcher.FireUpdateWebhook(r.Context(), task)
	s.dispatch(r, pending)
	writeJSON(w, http.StatusOK, task)
}

// --- Dependencies ---

func (s *Server) handleAddDependencies(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	var input models.AddDependenciesRequest
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.cfg.Store.GetTask(r.Context(), taskID); err != nil {
		writeError(w, err)
		return
	}
	for _, depID := range input.DependsOn {
		if err := s.cfg.Store.AddDependency(r.Context(), taskID, depID); err != nil {
			writeError(w, err)
			return
		}
	}
	task, err := s.cfg.Store.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRemoveDependency(w http.ResponseWriter, r *http.Request) {
	ok, err := s.cfg.Store.RemoveDependency(r.Context(), r.PathValue("id"), r.PathValue("dep_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, models.NotFoundErr("dependency"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDependencies(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if _, err := s.cfg.Store.GetTask(r.Context(), taskID); err != nil {
		writeError(w, err)
		return
	}
	deps, err := s.cfg.Store.TaskDependencies(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deps)
}

func (s *Server) handleListDependents(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if _, err := s.cfg.Store.GetTask(r.Context(), taskID); err != nil {
		writeError(w, err)
		return
	}
	dependents, err := s.cfg.Store.TaskDependents(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dependents)
}
