// Package ippool implements the source-IP pool and its round-robin
// selector. Membership is derived from the agent registry: this package
// never dereferences an agent record, it only ever sees (agent_id, ip)
// pairs, which keeps the registry as the sole owner of agent state.
//
// Selection advances a monotone counter taken modulo the current pool
// size. The live set is a cached sorted slice rebuilt on every mutation
// rather than filtered per-pick: entries carry no health flag — an agent
// leaving the live state removes its entries outright.
package ippool

import (
	"errors"
	"sort"
	"sync"
)

// ErrEmptyPool is returned by Pick when the pool has no entries.
var ErrEmptyPool = errors.New("ippool: pool is empty")

// Family distinguishes IPv4 from IPv6 source addresses.
type Family string

const (
	FamilyV4 Family = "v4"
	FamilyV6 Family = "v6"
)

// Entry is one (agent_id, source ip) tuple eligible for selection.
type Entry struct {
	AgentID string
	IP      string
	Family  Family
}

// Fairness selects between the two selection strategies.
type Fairness string

const (
	// FairnessPerIP round-robins over every (agent, ip) entry. This is
	// the default: an agent reporting more IPs gets proportionally more
	// dispatch share.
	FairnessPerIP Fairness = "per-ip"

	// FairnessPerAgent round-robins across agents first, then over that
	// agent's IPs, useful when one agent dominates IP count.
	FairnessPerAgent Fairness = "per-agent"
)

// Pool is the live set of source IPs, derived from Live agents, with a
// monotone round-robin cursor that survives churn: the cursor is a
// counter, never an index reset to 0.
type Pool struct {
	mu       sync.Mutex
	byAgent  map[string][]Entry // agent_id -> its reported entries
	sorted   []Entry            // cached deterministic view, rebuilt on mutation
	cursor   uint64             // monotone counter, never reset
	fairness Fairness

	// agentCursor is used only in FairnessPerAgent mode: it rotates over
	// the sorted list of distinct agent IDs, while a per-agent ipCursor
	// (keyed by agent_id) rotates within that agent's IP list.
	agentCursor uint64
	ipCursor    map[string]uint64
}

// New creates an empty Pool using the given fairness strategy.
func New(fairness Fairness) *Pool {
	if fairness == "" {
		fairness = FairnessPerIP
	}
	return &Pool{
		byAgent:  make(map[string][]Entry),
		fairness: fairness,
		ipCursor: make(map[string]uint64),
	}
}

// Add registers a set of source IPs for agentID, replacing any prior set
// for that agent. Equivalent to Update but named for first-registration
// call sites; both perform the same atomic swap.
func (p *Pool) Add(agentID string, addrs []string) {
	p.Update(agentID, addrs)
}

// Update atomically replaces agentID's reported address set and rebuilds
// the deterministic sorted view used by Pick. Called on every heartbeat
// so the pool tracks address churn; idempotent if addrs is unchanged.
func (p *Pool) Update(agentID string, addrs []string) {
	entries := make([]Entry, 0, len(addrs))
	for _, a := range addrs {
		entries = append(entries, Entry{AgentID: agentID, IP: a, Family: familyOf(a)})
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(entries) == 0 {
		delete(p.byAgent, agentID)
	} else {
		p.byAgent[agentID] = entries
	}
	p.rebuildLocked()
}

// Remove atomically drops all of agentID's entries from the pool. Called
// when an agent leaves the Live state.
func (p *Pool) Remove(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byAgent, agentID)
	delete(p.ipCursor, agentID)
	p.rebuildLocked()
}

// rebuildLocked recomputes the deterministic sorted view. Must be called
// with mu held. The cursor itself is never touched here: churn preserves
// the counter, only the modulus changes.
func (p *Pool) rebuildLocked() {
	all := make([]Entry, 0, len(p.byAgent)*2)
	for _, entries := range p.byAgent {
		all = append(all, entries...)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].AgentID != all[j].AgentID {
			return all[i].AgentID < all[j].AgentID
		}
		return all[i].IP < all[j].IP
	})
	p.sorted = all
}

// Pick returns the next (agent_id, ip) in round-robin order. It is safe
// for concurrent use; picks are linearizable in cursor order.
func (p *Pool) Pick() (Entry, error) {
	switch p.fairness {
	case FairnessPerAgent:
		return p.pickPerAgent()
	default:
		return p.pickPerIP()
	}
}

func (p *Pool) pickPerIP() (Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.sorted)
	if n == 0 {
		return Entry{}, ErrEmptyPool
	}
	i := p.cursor % uint64(n)
	p.cursor++
	return p.sorted[i], nil
}

func (p *Pool) pickPerAgent() (Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	agentIDs := p.distinctAgentsLocked()
	na := len(agentIDs)
	if na == 0 {
		return Entry{}, ErrEmptyPool
	}
	agentID := agentIDs[p.agentCursor%uint64(na)]
	p.agentCursor++

	entries := p.byAgent[agentID]
	ni := len(entries)
	ic := p.ipCursor[agentID]
	entry := entries[ic%uint64(ni)]
	p.ipCursor[agentID] = ic + 1
	return entry, nil
}

// distinctAgentsLocked returns the sorted list of agent IDs currently
// contributing at least one entry. Must be called with mu held.
func (p *Pool) distinctAgentsLocked() []string {
	ids := make([]string, 0, len(p.byAgent))
	for id, entries := range p.byAgent {
		if len(entries) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Size returns the current number of (agent, ip) entries in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sorted)
}

// Entries returns a snapshot copy of the current sorted pool view, used by
// the /api/pool/status handler.
func (p *Pool) Entries() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Entry, len(p.sorted))
	copy(out, p.sorted)
	return out
}

func familyOf(ip string) Family {
	for _, c := range ip {
		if c == ':' {
			return FamilyV6
		}
	}
	return FamilyV4
}
