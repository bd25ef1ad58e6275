// Package session is the coordinator-side half of the agent control
// plane: one WebSocket session per connected agent, with a strict
// single-writer-per-connection discipline (one writePump goroutine owns
// conn.WriteJSON, ping/pong keep-alive on fixed timing constants). Each
// agent_id maps to at most one Client, so Hub is a plain RWMutex-guarded
// map: Dispatch needs a synchronous point lookup by agent_id, not a
// pub/sub fan-out.
package session

import (
	"sync"

	"github.com/hopmesh/hopmesh/internal/protocol"
)

// Hub holds the live set of agent connections, keyed by agent_id.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

// Add registers c under agentID, replacing (without closing) any prior
// entry — callers decide whether to close a displaced session; Hub only
// tracks membership.
func (h *Hub) Add(agentID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[agentID] = c
}

// Remove deletes agentID's entry iff it still points at c (so a stale
// unregister from a replaced connection never evicts the new one).
func (h *Hub) Remove(agentID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.clients[agentID]; ok && cur == c {
		delete(h.clients, agentID)
	}
}

// Get returns the live client for agentID, if any.
func (h *Hub) Get(agentID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[agentID]
	return c, ok
}

// Count returns the number of connected agent sessions, for the
// http_dispatcher_websocket_connections gauge.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dispatch implements dispatch.Sender: send a dispatch frame to agentID's
// live session.
func (h *Hub) Dispatch(agentID string, payload protocol.DispatchPayload) error {
	c, ok := h.Get(agentID)
	if !ok {
		return errAgentNotConnected(agentID)
	}
	return c.sendFrame(protocol.FrameDispatch, payload)
}

// Cancel implements dispatch.Sender: best-effort ask agentID to abort
// jobID. No-ops silently if the agent is gone or never advertised
// supports_cancel at register time.
func (h *Hub) Cancel(agentID string, jobID string) {
	c, ok := h.Get(agentID)
	if !ok || !c.supportsCancel {
		return
	}
	_ = c.sendFrame(protocol.FrameCancel, protocol.CancelPayload{JobID: jobID})
}

type errAgentNotConnectedT string

func (e errAgentNotConnectedT) Error() string { return "agent not connected: " + string(e) }

func errAgentNotConnected(agentID string) error { return errAgentNotConnectedT(agentID) }
