// Package gateway is the HTTP and WebSocket surface of the engine. Handlers
// stay thin: resolve identity, decode input, call one store command, publish
// the result to the event bus, and hand pending webhook envelopes to the
// dispatcher.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/stefanodecillis/opengate/internal/bus"
	"github.com/stefanodecillis/opengate/internal/models"
	ogotel "github.com/stefanodecillis/opengate/internal/otel"
	"github.com/stefanodecillis/opengate/internal/persistence"
	"github.com/stefanodecillis/opengate/internal/webhook"
)

// Config holds the gateway dependencies.
type Config struct {
	Store      *persistence.Store
	Bus        *bus.Bus
	Dispatcher *webhook.Dispatcher
	Logger     *slog.Logger
	Metrics    *ogotel.Metrics

	// SetupToken gates agent self-registration. Empty disables it.
	SetupToken string
}

type Server struct {
	cfg Config
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws", s.handleWS)

	// Projects
	mux.HandleFunc("GET /api/projects", s.handleListProjects)
	mux.HandleFunc("POST /api/projects", s.handleCreateProject)
	mux.HandleFunc("GET /api/projects/{id}", s.handleGetProject)
	mux.HandleFunc("PATCH /api/projects/{id}", s.handleUpdateProject)
	mux.HandleFunc("DELETE /api/projects/{id}", s.handleArchiveProject)
	mux.HandleFunc("GET /api/projects/{id}/pulse", s.handleGetPulse)
	mux.HandleFunc("GET /api/projects/{id}/schedule", s.handleGetSchedule)
	mux.HandleFunc("GET /api/projects/{id}/questions", s.handleProjectQuestions)
	mux.HandleFunc("GET /api/projects/{id}/events", s.handleProjectEvents)
	mux.HandleFunc("GET /api/projects/{id}/usage", s.handleProjectUsage)

	// Tasks
	mux.HandleFunc("GET /api/projects/{id}/tasks", s.handleListProjectTasks)
	mux.HandleFunc("POST /api/projects/{id}/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/mine", s.handleMyTasks)
	mux.HandleFunc("GET /api/tasks/next", s.handleNextTask)
	mux.HandleFunc("POST /api/tasks/batch/status", s.handleBatchStatus)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("PATCH /api/tasks/{id}", s.handleUpdateTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.handleDeleteTask)
	mux.HandleFunc("PATCH /api/tasks/{id}/context", s.handleMergeContext)
	mux.HandleFunc("POST /api/tasks/{id}/claim", s.handleClaimTask)
	mux.HandleFunc("POST /api/tasks/{id}/release", s.handleReleaseTask)
	mux.HandleFunc("POST /api/tasks/{id}/complete", s.handleCompleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/block", s.handleBlockTask)
	mux.HandleFunc("POST /api/tasks/{id}/assign", s.handleAssignTask)
	mux.HandleFunc("POST /api/tasks/{id}/handoff", s.handleHandoffTask)
	mux.HandleFunc("POST /api/tasks/{id}/submit-review", s.handleSubmitReview)
	mux.HandleFunc("POST /api/tasks/{id}/start-review", s.handleStartReview)
	mux.HandleFunc("POST /api/tasks/{id}/approve", s.handleApproveTask)
	mux.HandleFunc("POST /api/tasks/{id}/request-changes", s.handleRequestChanges)

	// Dependencies
	mux.HandleFunc("GET /api/tasks/{id}/dependencies", s.handleListDependencies)
	mux.HandleFunc("POST /api/tasks/{id}/dependencies", s.handleAddDependencies)
	mux.HandleFunc("DELETE /api/tasks/{id}/dependencies/{dep_id}", s.handleRemoveDependency)
	mux.HandleFunc("GET /api/tasks/{id}/dependents", s.handleListDependents)

	// Questions
	mux.HandleFunc("GET /api/tasks/{id}/questions", s.handleListQuestions)
	mux.HandleFunc("POST /api/tasks/{id}/questions", s.handleCreateQuestion)
	mux.HandleFunc("GET /api/tasks/{id}/questions/{qid}", s.handleGetQuestion)
	mux.HandleFunc("POST /api/tasks/{id}/questions/{qid}/resolve", s.handleResolveQuestion)
	mux.HandleFunc("GET /api/tasks/{id}/questions/{qid}/replies", s.handleListReplies)
	mux.HandleFunc("POST /api/tasks/{id}/questions/{qid}/replies", s.handleCreateReply)
	mux.HandleFunc("POST /api/tasks/{id}/questions/{qid}/dismiss", s.handleDismissQuestion)
	mux.HandleFunc("POST /api/tasks/{id}/questions/{qid}/assign", s.handleAssignQuestion)

	// Activity, artifacts, usage
	mux.HandleFunc("GET /api/tasks/{id}/activity", s.handleListActivity)
	mux.HandleFunc("POST /api/tasks/{id}/activity", s.handleCreateActivity)
	mux.HandleFunc("GET /api/tasks/{id}/artifacts", s.handleListArtifacts)
	mux.HandleFunc("POST /api/tasks/{id}/artifacts", s.handleCreateArtifact)
	mux.HandleFunc("DELETE /api/tasks/{id}/artifacts/{artifact_id}", s.handleDeleteArtifact)
	mux.HandleFunc("GET /api/tasks/{id}/usage", s.handleGetTaskUsage)
	mux.HandleFunc("POST /api/tasks/{id}/usage", s.handleReportUsage)
	mux.HandleFunc("GET /api/agents/{id}/usage", s.handleAgentUsage)

	// Agents
	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/agents", s.handleCreateAgent)
	mux.HandleFunc("POST /api/agents/register", s.handleRegisterAgent)
	mux.HandleFunc("GET /api/agents/match", s.handleMatchAgent)
	mux.HandleFunc("POST /api/agents/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /api/agents/me/inbox", s.handleInbox)
	mux.HandleFunc("GET /api/agents/me/questions", s.handleMyQuestions)
	mux.HandleFunc("GET /api/agents/me/notifications", s.handleMyNotifications)
	mux.HandleFunc("POST /api/agents/me/notifications/{id}/ack", s.handleAckNotification)
	mux.HandleFunc("POST /api/agents/me/notifications/ack-all", s.handleAckAllNotifications)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("PATCH /api/agents/{id}", s.handleUpdateAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.handleDeleteAgent)

	// Knowledge base
	mux.HandleFunc("GET /api/projects/{id}/knowledge", s.handleListKnowledge)
	mux.HandleFunc("GET /api/projects/{id}/knowledge/search", s.handleSearchKnowledge)
	mux.HandleFunc("GET /api/projects/{id}/knowledge/{key...}", s.handleGetKnowledge)
	mux.HandleFunc("PUT /api/projects/{id}/knowledge/{key...}", s.handleUpsertKnowledge)
	mux.HandleFunc("DELETE /api/projects/{id}/knowledge/{key...}", s.handleDeleteKnowledge)

	// Stats
	mux.HandleFunc("GET /api/stats", s.handleStats)

	// Inbound webhook triggers
	mux.HandleFunc("GET /api/projects/{id}/triggers", s.handleListTriggers)
	mux.HandleFunc("POST /api/projects/{id}/triggers", s.handleCreateTrigger)
	mux.HandleFunc("DELETE /api/projects/{id}/triggers/{tid}", s.handleDeleteTrigger)
	mux.HandleFunc("GET /api/projects/{id}/triggers/{tid}/logs", s.handleTriggerLogs)
	mux.HandleFunc("POST /api/webhooks/trigger/{trigger_id}", s.handleReceiveWebhook)

	return s.resolveIdentity(mux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.LastEventID(r.Context()); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"ws_subscribers": s.cfg.Bus.SubscriberCount(),
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

// publishTask mirrors a task mutation onto the broadcast bus.
func (s *Server) publishTask(eventType string, task *models.Task) {
	data, err := json.Marshal(task)
	if err != nil {
		return
	}
	agentID := ""
	if task.AssigneeID != nil {
		agentID = *task.AssigneeID
	}
	s.cfg.Bus.Publish(bus.Event{
		EventType: eventType,
		ProjectID: task.ProjectID,
		AgentID:   agentID,
		Data:      data,
		Timestamp: nowRFC3339(),
	})
}

// publish mirrors a non-task event onto the broadcast bus.
func (s *Server) publish(eventType, projectID, agentID string, data any) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return
	}
	s.cfg.Bus.Publish(bus.Event{
		EventType: eventType,
		ProjectID: projectID,
		AgentID:   agentID,
		Data:      encoded,
		Timestamp: nowRFC3339(),
	})
}

// publishForTask is publish with the project resolved from the task, for
// events whose payload is not the task itself.
func (s *Server) publishForTask(r *http.Request, eventType, taskID, agentID string, data any) {
	projectID := ""
	if task, err := s.cfg.Store.GetTask(r.Context(), taskID); err == nil {
		projectID = task.ProjectID
	}
	s.publish(eventType, projectID, agentID, data)
}

// dispatch hands pending notification envelopes to the webhook workers.
func (s *Server) dispatch(r *http.Request, pending []models.PendingNotifWebhook) {
	if len(pending) == 0 {
		return
	}
	s.cfg.Dispatcher.FireNotificationWebhooks(r.Context(), pending)
}
