package api

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hopmesh/hopmesh/internal/coordinator/registry"
)

// AgentHandler serves /api/agents. The DELETE path delegates to the
// coordinator's drain flow through the RemoveAgent callback rather than
// reaching into the session layer directly.
type AgentHandler struct {
	registry    *registry.Registry
	removeAgent func(agentID string) bool
	logger      *zap.Logger
}

// NewAgentHandler builds an AgentHandler.
func NewAgentHandler(reg *registry.Registry, removeAgent func(string) bool, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{registry: reg, removeAgent: removeAgent, logger: logger}
}

type agentView struct {
	AgentID   string   `json:"agent_id"`
	Addresses []string `json:"addresses"`
	State     string   `json:"state"`
	LastSeen  string   `json:"last_seen"`
}

// List serves GET /api/agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	snaps := h.registry.List()
	out := make([]agentView, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, agentView{
			AgentID:   s.AgentID,
			Addresses: s.Addresses,
			State:     string(s.State),
			LastSeen:  s.LastSeen.UTC().Format(time.RFC3339),
		})
	}
	JSON(w, http.StatusOK, out)
}

// Delete serves DELETE /api/agents/{id}: asks the agent to drain and
// reports whether anything was there to remove.
func (h *AgentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	removed := h.removeAgent(id)
	if removed {
		h.logger.Info("agent removal requested", zap.String("agent_id", id))
	}
	JSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

type registerRequest struct {
	AgentID string `json:"agent_id"`
}

// Register serves POST /api/agents/register: the HTTP pseudo-agent path.
// It validates or mints an agent_id without opening a session — WebSocket
// registration remains the norm; this only reserves an identity.
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	id := req.AgentID
	if id == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		id = fmt.Sprintf("agent-%s-%d", hostname, time.Now().Unix())
	}
	if err := registry.ValidateAgentID(id); err != nil {
		ErrBadRequest(w, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"agent_id": id})
}
