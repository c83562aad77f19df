package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/stefanodecillis/opengate/internal/models"
)

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.cfg.Store.ListAgents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	if capability := queryParam(r, "capability"); capability != nil {
		filtered := agents[:0]
		for _, agent := range agents {
			for _, ac := range agent.Capabilities {
				if ac == *capability || (!strings.Contains(*capability, ":") && strings.HasPrefix(ac, *capability+":")) {
					filtered = append(filtered, agent)
					break
				}
			}
		}
		agents = filtered
	}
	if seniority := queryParam(r, "seniority"); seniority != nil {
		filtered := agents[:0]
		for _, agent := range agents {
			if agent.Seniority == *seniority {
				filtered = append(filtered, agent)
			}
		}
		agents = filtered
	}
	if agents == nil {
		agents = []models.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var input models.CreateAgent
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, err)
		return
	}
	if input.Name == "" {
		writeError(w, models.ValidationErr("agent name is required"))
		return
	}
	agent, apiKey, err := s.cfg.Store.CreateAgent(r.Context(), &input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, models.AgentCreated{Agent: *agent, APIKey: apiKey})
}

// handleRegisterAgent is the self-registration path, gated by the server
// setup token. No bearer auth — the caller does not have a key yet.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var input models.RegisterAgentRequest
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, err)
		return
	}
	if s.cfg.SetupToken == "" {
		writeErrorMessage(w, http.StatusForbidden, "agent self-registration is disabled (no setup token configured)")
		return
	}
	if input.SetupToken != s.cfg.SetupToken {
		writeErrorMessage(w, http.StatusForbidden, "invalid setup token")
		return
	}
	agent, apiKey, err := s.cfg.Store.CreateAgent(r.Context(), &models.CreateAgent{
		Name:         input.Name,
		Skills:       input.Skills,
		Capabilities: input.Capabilities,
		OwnerID:      input.OwnerID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, models.AgentCreated{Agent: *agent, APIKey: apiKey})
}

func (s *Server) handleMatchAgent(w http.ResponseWriter, r *http.Request) {
	var capabilities []string
	if v := queryParam(r, "capability"); v != nil {
		for _, c := range strings.Split(*v, ",") {
			if trimmed := strings.TrimSpace(c); trimmed != "" {
				capabilities = append(capabilities, trimmed)
			}
		}
	}
	strategy := models.AssignStrategy{
		Strategy:     "capability",
		Capabilities: capabilities,
		Seniority:    queryParam(r, "seniority"),
		Role:         queryParam(r, "role"),
	}
	agentID, found, err := s.cfg.Store.FindBestAgent(r.Context(), &strategy)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeErrorMessage(w, http.StatusNotFound, "no matching agent found")
		return
	}
	agent, err := s.cfg.Store.GetAgent(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.cfg.Store.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var input models.UpdateAgent
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, err)
		return
	}
	agent, err := s.cfg.Store.UpdateAgent(r.Context(), r.PathValue("id"), &input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	ok, err := s.cfg.Store.DeleteAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, models.NotFoundErr("agent"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHeartbeat records liveness. The identity middleware already bumped
// last_seen_at; this endpoint just confirms the agent is recognized.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if _, err := requireAgent(r); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	identity, err := requireAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	inbox, err := s.cfg.Store.GetAgentInbox(r.Context(), identity.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inbox)
}

func (s *Server) handleMyNotifications(w http.ResponseWriter, r *http.Request) {
	identity, err := requireAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var unread *bool
	if v := queryParam(r, "unread"); v != nil {
		parsed := *v == "true" || *v == "1"
		unread = &parsed
	}
	notifications, err := s.cfg.Store.ListNotifications(r.Context(), identity.ID, unread)
	if err != nil {
		writeError(w, err)
		return
	}
	if notifications == nil {
		notifications = []models.Notification{}
	}
	writeJSON(w, http.StatusOK, notifications)
}

func (s *Server) handleAckNotification(w http.ResponseWriter, r *http.Request) {
	identity, err := requireAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, models.ValidationErr("invalid notification id"))
		return
	}
	ok, err := s.cfg.Store.AckNotification(r.Context(), identity.ID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, models.NotFoundErr("notification"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAckAllNotifications(w http.ResponseWriter, r *http.Request) {
	identity, err := requireAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	count, err := s.cfg.Store.AckAllNotifications(r.Context(), identity.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "acknowledged": count})
}

func (s *Server) handleAgentUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.cfg.Store.GetAgentUsage(r.Context(), r.PathValue("id"), queryParam(r, "from"), queryParam(r, "to"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}
