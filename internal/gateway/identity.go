package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/stefanodecillis/opengate/internal/models"
	"github.com/stefanodecillis/opengate/internal/persistence"
)

type identityContextKey struct{}

// resolveIdentity maps the bearer credential to an identity and records the
// agent heartbeat before the handler runs. Resolution never fails a request:
// an unknown or missing credential yields Anonymous, and handlers that need
// an agent reject it themselves.
func (s *Server) resolveIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := models.Anonymous

		auth := r.Header.Get("Authorization")
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok && token != "" {
			hash := persistence.HashAPIKey(token)
			if agent, err := s.cfg.Store.GetAgentByKeyHash(r.Context(), hash); err == nil {
				if _, err := s.cfg.Store.UpdateHeartbeat(r.Context(), agent.ID); err != nil {
					s.cfg.Logger.Warn("heartbeat update failed", "agent_id", agent.ID, "error", err)
				}
				identity = models.Identity{Kind: models.ActorAgent, ID: agent.ID, Name: agent.Name}
				if agent.OwnerID != nil {
					identity.OwnerID = *agent.OwnerID
				}
			}
		}

		ctx := context.WithValue(r.Context(), identityContextKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// identityFrom returns the resolved identity for a request.
func identityFrom(r *http.Request) models.Identity {
	if id, ok := r.Context().Value(identityContextKey{}).(models.Identity); ok {
		return id
	}
	return models.Anonymous
}

// requireAgent rejects callers that are not authenticated agents.
func requireAgent(r *http.Request) (models.Identity, error) {
	identity := identityFrom(r)
	if !identity.IsAgent() {
		return identity, models.AuthRequiredErr("API key required for this action")
	}
	return identity, nil
}
