// Package registry implements the coordinator-side agent registry:
// agent identity, connection state, reported addresses, and last-seen
// bookkeeping. It owns the Agent records; internal/coordinator/ippool
// only ever sees (agent_id, ip) pairs it is handed, never an *Agent, so
// there is no reference cycle between the two.
package registry

import "time"

// State is the agent connection lifecycle.
type State string

const (
	StateConnecting State = "Connecting"
	StateRegistered State = "Registered"
	StateLive       State = "Live"
	StateDraining   State = "Draining"
	StateDead       State = "Dead"
)

// Session is the minimal surface the Registry needs from whatever carries
// frames to a connected agent (internal/coordinator/session.Client in
// production, a fake in tests). Keeping this as a narrow interface here —
// rather than importing the session package — keeps registry free of any
// dependency on the transport layer.
type Session interface {
	// Close terminates the underlying connection. Idempotent.
	Close() error
}

// Agent is one registered agent's state as tracked by the coordinator.
type Agent struct {
	AgentID       string
	Hostname      string
	Addresses     []string
	State         State
	Session       Session
	LastHeartbeat time.Time
	RegisteredAt  time.Time
	AgentVersion  string
	SupportsCancel bool
}

// Snapshot is the read-only view returned by List, decoupled from the live
// Agent struct so callers (the REST API) can't mutate registry state.
type Snapshot struct {
	AgentID    string
	Hostname   string
	Addresses  []string
	State      State
	LastSeen   time.Time
}

func (a *Agent) snapshot() Snapshot {
	addrs := make([]string, len(a.Addresses))
	copy(addrs, a.Addresses)
	return Snapshot{
		AgentID:   a.AgentID,
		Hostname:  a.Hostname,
		Addresses: addrs,
		State:     a.State,
		LastSeen:  a.LastHeartbeat,
	}
}
