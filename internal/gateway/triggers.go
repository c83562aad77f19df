package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/stefanodecillis/opengate/internal/models"
	"github.com/stefanodecillis/opengate/internal/persistence"
	"github.com/stefanodecillis/opengate/internal/webhook"
)

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	if _, err := s.cfg.Store.GetProject(r.Context(), projectID); err != nil {
		writeError(w, err)
		return
	}
	triggers, err := s.cfg.Store.ListWebhookTriggers(r.Context(), projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, triggers)
}

func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	var input models.CreateTrigger
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, err)
		return
	}
	if input.Name == "" {
		writeError(w, models.ValidationErr("trigger name is required"))
		return
	}
	if input.ActionType != "create_task" {
		writeErrorMessage(w, http.StatusUnprocessableEntity,
			"unknown action_type '"+input.ActionType+"' (supported: create_task)")
		return
	}
	if err := webhook.ValidateActionConfig(input.ActionType, input.ActionConfig); err != nil {
		writeError(w, err)
		return
	}
	trigger, secret, err := s.cfg.Store.CreateWebhookTrigger(r.Context(), r.PathValue("id"), &input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, models.TriggerCreated{Trigger: *trigger, Secret: secret})
}

func (s *Server) handleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	ok, err := s.cfg.Store.DeleteWebhookTrigger(r.Context(), r.PathValue("tid"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, models.NotFoundErr("trigger"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTriggerLogs(w http.ResponseWriter, r *http.Request) {
	var limit int64 = 50
	if v := queryParam(r, "limit"); v != nil {
		limit = parseInt64(*v)
	}
	logs, err := s.cfg.Store.ListTriggerLogs(r.Context(), r.PathValue("tid"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// handleReceiveWebhook is the inbound trigger receiver. No bearer auth —
// the caller proves itself with X-Webhook-Secret, compared by hash against
// the stored secret.
func (s *Server) handleReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	trigger, secretHash, err := s.cfg.Store.GetTriggerForValidation(r.Context(), r.PathValue("trigger_id"))
	if err != nil {
		writeError(w, err)
		return
	}

	provided := r.Header.Get("X-Webhook-Secret")
	if provided == "" || persistence.HashTriggerSecret(provided) != secretHash {
		writeErrorMessage(w, http.StatusForbidden, "invalid webhook secret")
		return
	}
	if !trigger.Enabled {
		reason := "trigger disabled"
		_, _ = s.cfg.Store.LogTriggerExecution(r.Context(), trigger.ID, "rejected", nil, nil, &reason)
		writeErrorMessage(w, http.StatusForbidden, "trigger is disabled")
		return
	}

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		payload = map[string]any{}
	}
	rawPayload, _ := json.Marshal(payload)
	root := map[string]any{"payload": payload}

	var config map[string]any
	if err := json.Unmarshal(trigger.ActionConfig, &config); err != nil {
		msg := "malformed action_config"
		_, _ = s.cfg.Store.LogTriggerExecution(r.Context(), trigger.ID, "error", rawPayload, nil, &msg)
		writeErrorMessage(w, http.StatusUnprocessableEntity, msg)
		return
	}
	interpolated := webhook.InterpolateJSON(config, root).(map[string]any)

	encoded, err := json.Marshal(interpolated)
	if err != nil {
		writeError(w, err)
		return
	}
	var createInput models.CreateTask
	if err := json.Unmarshal(encoded, &createInput); err != nil || createInput.Title == "" {
		msg := "action_config did not produce a valid task"
		_, _ = s.cfg.Store.LogTriggerExecution(r.Context(), trigger.ID, "error", rawPayload, nil, &msg)
		writeErrorMessage(w, http.StatusUnprocessableEntity, msg)
		return
	}

	task, pending, err := s.cfg.Store.CreateTask(r.Context(), trigger.ProjectID, &createInput, models.Identity{
		Kind: models.ActorSystem, ID: "trigger:" + trigger.ID, Name: trigger.Name,
	})
	if err != nil {
		msg := err.Error()
		_, _ = s.cfg.Store.LogTriggerExecution(r.Context(), trigger.ID, "error", rawPayload, nil, &msg)
		writeError(w, err)
		return
	}

	result, _ := json.Marshal(map[string]string{"task_id": task.ID})
	_, _ = s.cfg.Store.LogTriggerExecution(r.Context(), trigger.ID, "success", rawPayload, result, nil)

	s.publishTask("task.created", task)
	s.dispatch(r, pending)
	writeJSON(w, http.StatusCreated, task)
}
