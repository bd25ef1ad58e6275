package dispatch

import (
	"sync"
	"time"
)

// pendingEntry is one pending-table row: a job awaiting an agent reply
// or its deadline, keyed solely by job_id.
type pendingEntry struct {
	job      *Job
	deadline time.Time
	done     chan struct{} // closed exactly once, by whichever resolver wins
	agentID  string
}

// pendingTable is the in-memory map job_id -> (completion signal,
// deadline, assigned_agent). An entry exists iff the job is Assigned or
// InFlight. A single mutex guards it, held only for O(1) map operations.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingEntry)}
}

// put registers job under job_id with the given deadline and assigned
// agent. Overwrites any stale entry for the same id (should never happen —
// job IDs are UUIDs — but avoids a leaked entry if it somehow does).
func (t *pendingTable) put(job *Job, deadline time.Time, agentID string) *pendingEntry {
	e := &pendingEntry{job: job, deadline: deadline, done: make(chan struct{}), agentID: agentID}
	t.mu.Lock()
	t.entries[job.JobID] = e
	t.mu.Unlock()
	return e
}

// resolve removes job_id's entry, returning it and true iff it was still
// present. A job_id absent from the table means it already resolved (or
// was never assigned); callers rely on this so late replies for resolved
// jobs never mutate history or metrics.
func (t *pendingTable) resolve(jobID string) (*pendingEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[jobID]
	if !ok {
		return nil, false
	}
	delete(t.entries, jobID)
	return e, true
}

// markInFlight advances the job to InFlight iff it is still pending.
// Serialized against resolve by the table mutex, so a reply that already
// claimed the entry is never overwritten.
func (t *pendingTable) markInFlight(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[jobID]; ok {
		e.job.State = StateInFlight
	}
}

// lookupAgent looks up which agent a pending job is assigned to, without
// removing it.
func (t *pendingTable) lookupAgent(jobID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[jobID]
	if !ok {
		return "", false
	}
	return e.agentID, true
}

// forAgent returns every pending entry currently assigned to agentID, for
// AgentLost/AgentReplaced bulk failure. Does not remove them — callers
// resolve each one through resolve() so concurrent replies still race
// safely against the single source of truth.
func (t *pendingTable) forAgent(agentID string) []*pendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*pendingEntry
	for _, e := range t.entries {
		if e.agentID == agentID {
			out = append(out, e)
		}
	}
	return out
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
