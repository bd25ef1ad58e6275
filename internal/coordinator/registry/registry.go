package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/hopmesh/hopmesh/internal/coordinator/ippool"
)

const (
	// HeartbeatInterval is how often agents are expected to send
	// heartbeat frames.
	HeartbeatInterval = 15 * time.Second

	// DeadAfter is the grace period after which a silent agent is
	// declared Dead.
	DeadAfter = 3 * HeartbeatInterval

	maxAgentIDLen = 128
)

// EventSink receives lifecycle notifications the Registry cannot act on
// itself — failing pending jobs belongs to the Dispatcher, not the
// Registry, so this narrow callback interface is how the two connect
// without either package importing the other (dispatch sees the registry
// only through its own Liveness interface).
type EventSink interface {
	// AgentReplaced is called when a new session registers under an
	// agent_id that already has a Live session; the old session's
	// pending jobs must fail with AgentReplaced.
	AgentReplaced(agentID string)
	// AgentLost is called when an agent is declared Dead (missed
	// heartbeats) or its session is closed unexpectedly.
	AgentLost(agentID string)
}

// Registry is the coordinator's in-memory table of known agents. It is
// safe for concurrent use from the session layer (register/heartbeat) and
// the sweep goroutine.
type Registry struct {
	mu     sync.Mutex
	agents map[string]*Agent

	pool   *ippool.Pool
	sink   EventSink
	logger *zap.Logger
}

// New creates a Registry bound to the given IP pool and event sink.
func New(pool *ippool.Pool, sink EventSink, logger *zap.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*Agent),
		pool:   pool,
		sink:   sink,
		logger: logger.Named("registry"),
	}
}

// ValidateAgentID enforces register-time identity validation: non-empty,
// <=128 chars, printable.
func ValidateAgentID(id string) error {
	if id == "" {
		return fmt.Errorf("agent_id must not be empty")
	}
	if len(id) > maxAgentIDLen {
		return fmt.Errorf("agent_id exceeds %d characters", maxAgentIDLen)
	}
	for _, r := range id {
		if !unicode.IsPrint(r) {
			return fmt.Errorf("agent_id contains non-printable character")
		}
	}
	return nil
}

// Register admits a new session for agentID. If a Live session already
// holds this id, it is closed and its pending jobs fail with
// AgentReplaced. A zero-address registration is rejected by the caller
// before Register is invoked, so Register itself does not re-check that;
// it is the single point of truth for replace-on-register only.
func (r *Registry) Register(agentID, hostname string, addresses []string, version string, supportsCancel bool, sess Session) {
	r.mu.Lock()
	existing, had := r.agents[agentID]
	now := time.Now()

	if had && existing.State == StateLive {
		old := existing.Session
		r.agents[agentID] = &Agent{
			AgentID:        agentID,
			Hostname:       hostname,
			Addresses:      addresses,
			State:          StateLive,
			Session:        sess,
			LastHeartbeat:  now,
			RegisteredAt:   now,
			AgentVersion:   version,
			SupportsCancel: supportsCancel,
		}
		r.mu.Unlock()

		r.logger.Warn("agent replaced", zap.String("agent_id", agentID))
		if old != nil {
			_ = old.Close()
		}
		r.sink.AgentReplaced(agentID)
		r.pool.Update(agentID, addresses)
		return
	}

	r.agents[agentID] = &Agent{
		AgentID:        agentID,
		Hostname:       hostname,
		Addresses:      addresses,
		State:          StateLive,
		Session:        sess,
		LastHeartbeat:  now,
		RegisteredAt:   now,
		AgentVersion:   version,
		SupportsCancel: supportsCancel,
	}
	r.mu.Unlock()

	r.logger.Info("agent registered",
		zap.String("agent_id", agentID),
		zap.String("hostname", hostname),
		zap.Int("addresses", len(addresses)),
	)
	r.pool.Update(agentID, addresses)
}

// Heartbeat updates last_seen and swaps the reported address set into
// the pool atomically. Returns false if agentID is unknown (caller
// should close the connection).
func (r *Registry) Heartbeat(agentID string, addresses []string) bool {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	a.LastHeartbeat = time.Now()
	a.Addresses = addresses
	live := a.State == StateLive
	r.mu.Unlock()

	// Only Live agents contribute pool entries; a Draining agent's
	// heartbeat must not put its SourceIPs back.
	if live {
		r.pool.Update(agentID, addresses)
	}
	return true
}

// MarkDraining transitions agentID to Draining for the drain/drained
// flow and removes its pool entries: leaving Live drops an
// agent's SourceIPs atomically. The agent keeps finishing in-flight jobs
// but the Dispatcher no longer picks it for new ones.
func (r *Registry) MarkDraining(agentID string) bool {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if ok {
		a.State = StateDraining
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.pool.Remove(agentID)
	return true
}

// Remove unregisters agentID entirely: removes it from the pool and the
// registry table, and reports AgentLost so pending jobs fail. Called when
// the current session for agentID closes (network drop or drained), by
// the dead-agent sweep, and by an explicit DELETE with no open session.
func (r *Registry) Remove(agentID string) {
	r.mu.Lock()
	_, ok := r.agents[agentID]
	delete(r.agents, agentID)
	r.mu.Unlock()

	if !ok {
		return
	}
	r.pool.Remove(agentID)
	r.sink.AgentLost(agentID)
	r.logger.Info("agent removed", zap.String("agent_id", agentID))
}

// IsLive reports whether agentID currently holds a Live session.
func (r *Registry) IsLive(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	return ok && (a.State == StateLive)
}

// Get returns a read-only snapshot of one agent, or false if unknown.
func (r *Registry) Get(agentID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return Snapshot{}, false
	}
	return a.snapshot(), true
}

// List returns a snapshot of every known agent, ordered by agent_id for
// deterministic REST responses.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Count returns the number of known agents, regardless of state.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

// ConnectedCount returns the number of agents currently Live.
func (r *Registry) ConnectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.agents {
		if a.State == StateLive {
			n++
		}
	}
	return n
}

// RunSweep starts a background loop that declares silent agents Dead
// after DeadAfter of no heartbeats and removes them. Blocks
// until ctx is cancelled; run it in its own goroutine.
func (r *Registry) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

func (r *Registry) sweepOnce() {
	cutoff := time.Now().Add(-DeadAfter)

	r.mu.Lock()
	var dead []string
	for id, a := range r.agents {
		if (a.State == StateLive || a.State == StateDraining) && a.LastHeartbeat.Before(cutoff) {
			a.State = StateDead
			dead = append(dead, id)
		}
	}
	r.mu.Unlock()

	for _, id := range dead {
		r.logger.Warn("agent declared dead (missed heartbeats)", zap.String("agent_id", id))
		r.Remove(id)
	}
}
