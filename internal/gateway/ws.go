package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/stefanodecillis/opengate/internal/bus"
	"github.com/stefanodecillis/opengate/internal/persistence"
)

const (
	wsAuthTimeout  = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

type wsClientMessage struct {
	Type   string                `json:"type"`
	Token  string                `json:"token,omitempty"`
	Events []string              `json:"events,omitempty"`
	Filter *wsSubscriptionFilter `json:"filter,omitempty"`
	ID     string                `json:"id,omitempty"`
}

type wsSubscriptionFilter struct {
	AgentID   *string `json:"agent_id,omitempty"`
	ProjectID *string `json:"project_id,omitempty"`
}

type wsServerMessage struct {
	Type     string          `json:"type"`
	Identity any             `json:"identity,omitempty"`
	ID       string          `json:"id,omitempty"`
	Sub      string          `json:"sub,omitempty"`
	Event    string          `json:"event,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Code     string          `json:"code,omitempty"`
	Message  string          `json:"message,omitempty"`
}

type wsSubscription struct {
	patterns []string
	filter   *wsSubscriptionFilter
}

// patternMatches implements event-type patterns: exact, or "prefix.*" which
// matches "prefix.X" for non-empty X without further dots.
func patternMatches(pattern, eventType string) bool {
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		rest, found := strings.CutPrefix(eventType, prefix+".")
		return found && rest != "" && !strings.Contains(rest, ".")
	}
	return pattern == eventType
}

// subscriptionMatches ANDs the pattern match with the optional agent and
// project filters. agent_id "self" resolves to the connection's agent.
func subscriptionMatches(sub *wsSubscription, event *bus.Event, selfAgentID string) bool {
	matched := false
	for _, p := range sub.patterns {
		if patternMatches(p, event.EventType) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	if sub.filter != nil {
		if sub.filter.AgentID != nil {
			wanted := *sub.filter.AgentID
			if wanted == "self" {
				wanted = selfAgentID
			}
			if event.AgentID != wanted {
				return false
			}
		}
		if sub.filter.ProjectID != nil && event.ProjectID != *sub.filter.ProjectID {
			return false
		}
	}
	return true
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := r.Context()
	agentID, agentName, ok := s.wsAuthenticate(ctx, conn)
	if !ok {
		return
	}

	if err := wsjson.Write(ctx, conn, wsServerMessage{
		Type: "auth_ok",
		Identity: map[string]string{
			"type": "agent",
			"id":   agentID,
			"name": agentName,
		},
	}); err != nil {
		return
	}

	// Heartbeat only after auth_ok made it out, so half-open connections
	// don't count as liveness.
	if _, err := s.cfg.Store.UpdateHeartbeat(ctx, agentID); err != nil {
		s.cfg.Logger.Warn("ws heartbeat failed", "agent_id", agentID, "error", err)
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.WSClients.Add(ctx, 1)
		defer s.cfg.Metrics.WSClients.Add(context.Background(), -1)
	}

	s.wsSession(ctx, conn, agentID)
	conn.Close(websocket.StatusNormalClosure, "bye")
}

// wsAuthenticate enforces the auth handshake: the first frame must be an
// auth message carrying a valid API key, within the deadline.
func (s *Server) wsAuthenticate(ctx context.Context, conn *websocket.Conn) (string, string, bool) {
	authCtx, cancel := context.WithTimeout(ctx, wsAuthTimeout)
	defer cancel()

	sendError := func(code, message string) {
		writeCtx, writeCancel := context.WithTimeout(ctx, time.Second)
		defer writeCancel()
		_ = wsjson.Write(writeCtx, conn, wsServerMessage{Type: "error", Code: code, Message: message})
		conn.Close(websocket.StatusPolicyViolation, code)
	}

	var msg wsClientMessage
	if err := wsjson.Read(authCtx, conn, &msg); err != nil {
		sendError("auth_timeout", "Authentication timeout")
		return "", "", false
	}
	if msg.Type != "auth" {
		sendError("auth_required", "First message must be auth")
		return "", "", false
	}
	hash := persistence.HashAPIKey(msg.Token)
	agent, err := s.cfg.Store.GetAgentByKeyHash(ctx, hash)
	if err != nil {
		sendError("auth_failed", "Invalid API key")
		return "", "", false
	}
	return agent.ID, agent.Name, true
}

func (s *Server) wsSession(ctx context.Context, conn *websocket.Conn, agentID string) {
	sub := s.cfg.Bus.Subscribe()
	defer s.cfg.Bus.Unsubscribe(sub)

	// The reader feeds client frames into a channel so the main loop can
	// select over bus events, client messages, and the keepalive timer.
	incoming := make(chan wsClientMessage)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			var msg wsClientMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			select {
			case incoming <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	subscriptions := map[string]*wsSubscription{}
	subCounter := 0
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	send := func(msg wsServerMessage) bool {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return wsjson.Write(writeCtx, conn, msg) == nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-readerDone:
			return

		case <-ping.C:
			if !send(wsServerMessage{Type: "ping"}) {
				return
			}

		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			if lagged := sub.TakeLagged(); lagged > 0 {
				if !send(wsServerMessage{
					Type:    "error",
					Code:    "events_lagged",
					Message: fmt.Sprintf("Missed %d events", lagged),
				}) {
					return
				}
			}
			for subID, wsSub := range subscriptions {
				if subscriptionMatches(wsSub, &event, agentID) {
					if !send(wsServerMessage{
						Type:  "event",
						Sub:   subID,
						Event: event.EventType,
						Data:  event.Data,
					}) {
						return
					}
				}
			}

		case msg := <-incoming:
			switch msg.Type {
			case "ping":
				if !send(wsServerMessage{Type: "pong"}) {
					return
				}
			case "subscribe":
				subCounter++
				id := fmt.Sprintf("sub-%d", subCounter)
				subscriptions[id] = &wsSubscription{patterns: msg.Events, filter: msg.Filter}
				if !send(wsServerMessage{Type: "subscribed", ID: id}) {
					return
				}
			case "unsubscribe":
				delete(subscriptions, msg.ID)
				if !send(wsServerMessage{Type: "unsubscribed", ID: msg.ID}) {
					return
				}
			case "auth":
				if !send(wsServerMessage{Type: "error", Code: "already_authenticated", Message: "Already authenticated"}) {
					return
				}
			default:
				if !send(wsServerMessage{Type: "error", Code: "invalid_message", Message: "Unknown message type"}) {
					return
				}
			}
		}
	}
}
