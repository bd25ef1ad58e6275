package dispatch

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hopmesh/hopmesh/internal/coordinator/ippool"
	"github.com/hopmesh/hopmesh/internal/protocol"
)

// Sender delivers frames to one agent's live session. Implemented by
// internal/coordinator/session.Hub; kept as a narrow interface here so
// dispatch never imports session, which sits above it in the wiring.
type Sender interface {
	// Dispatch delivers a dispatch frame to agentID. An error means the
	// agent's session could not accept the frame (e.g. it vanished between
	// Pick and send) and the job should fail as AgentLost.
	Dispatch(agentID string, payload protocol.DispatchPayload) error
	// Cancel best-effort asks agentID to abort jobID. Implementations that
	// don't know the agent supports cancellation silently no-op.
	Cancel(agentID string, jobID string)
}

// Liveness reports whether an agent_id currently holds a Live session.
// Implemented by internal/coordinator/registry.Registry.
type Liveness interface {
	IsLive(agentID string) bool
}

// MetricsSink receives per-job accounting. Implemented by
// internal/coordinator/metrics.Metrics.
type MetricsSink interface {
	ObserveRequest(agent, status, method string)
	ObserveError(agent, errorType string)
	ObserveDuration(agent, method string, seconds float64)
	ObserveResponseSize(agent string, bytes int64)
	SetQueueDepth(agent string, depth int)
}

// HistorySink receives completed jobs for the bounded history ring.
// Implemented by internal/coordinator/metrics.History.
type HistorySink interface {
	Record(rec HistoryRecord)
}

// HistoryRecord is one completed job as retained by the history ring.
type HistoryRecord struct {
	JobID       string
	Method      string
	URL         string
	AgentID     string
	SourceIP    string
	Status      int
	ErrorKind   protocol.ErrorKind
	LatencySec  float64
	SubmittedAt time.Time
	CompletedAt time.Time
	Body        []byte
}

const (
	// DefaultMaxInFlight is the default per-agent concurrency cap.
	DefaultMaxInFlight = 64
	// DefaultMaxTotalInFlight is the default coordinator-wide cap.
	DefaultMaxTotalInFlight = 4096
)

// Dispatcher owns the dispatch path end to end: pool pick, capacity
// confirmation, pending-table registration, dispatch send, await, and
// resolution into metrics + history.
type Dispatcher struct {
	pool    *ippool.Pool
	live    Liveness
	sender  Sender
	metrics MetricsSink
	history HistorySink
	logger  *zap.Logger

	pending *pendingTable

	mu               sync.Mutex
	perAgentInFlight map[string]int
	totalInFlight    int

	maxInFlight      int
	maxTotalInFlight int
}

// New builds a Dispatcher. maxInFlight/maxTotalInFlight of 0 fall back
// to the defaults.
func New(pool *ippool.Pool, live Liveness, sender Sender, metrics MetricsSink, history HistorySink, logger *zap.Logger, maxInFlight, maxTotalInFlight int) *Dispatcher {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	if maxTotalInFlight <= 0 {
		maxTotalInFlight = DefaultMaxTotalInFlight
	}
	return &Dispatcher{
		pool:             pool,
		live:             live,
		sender:           sender,
		metrics:          metrics,
		history:          history,
		logger:           logger.Named("dispatch"),
		pending:          newPendingTable(),
		perAgentInFlight: make(map[string]int),
		maxInFlight:      maxInFlight,
		maxTotalInFlight: maxTotalInFlight,
	}
}

// PendingCount returns the number of jobs currently Assigned/InFlight.
func (d *Dispatcher) PendingCount() int { return d.pending.len() }

// Submit runs the full dispatch pipeline. It blocks until the job reaches
// a terminal state, the supplied context is cancelled (caller disconnect),
// or the job's own deadline expires. The returned error is non-nil only
// for synchronous input validation failures (step before any Pick); every
// other outcome — including NoAgentsAvailable, Timeout, AgentLost — is
// returned as a terminal *Job with Err set, never as a Go error, so the
// REST layer has one place to read status from.
func (d *Dispatcher) Submit(ctx context.Context, spec Spec) (*Job, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	job := &Job{
		JobID:       uuid.NewString(),
		Spec:        spec,
		State:       StateQueued,
		SubmittedAt: time.Now(),
	}

	entry, derr := d.acquireCapacity()
	if derr != nil {
		return d.immediateFail(job, derr), nil
	}

	job.AssignedAgent = entry.AgentID
	job.AssignedIP = entry.IP
	job.State = StateAssigned

	deadline := time.Now().Add(spec.timeout())
	pend := d.pending.put(job, deadline, entry.AgentID)

	payload := protocol.DispatchPayload{
		JobID:      job.JobID,
		SourceIP:   entry.IP,
		Method:     spec.Method,
		URL:        spec.URL,
		Headers:    spec.Headers,
		Body:       spec.Body,
		TimeoutSec: spec.TimeoutSec,
	}
	if err := d.sender.Dispatch(entry.AgentID, payload); err != nil {
		d.finish(job.JobID, StateFailed, nil, protocol.NewError(protocol.ErrAgentLost, err.Error()))
		return job, nil
	}
	// A fast agent may already be resolving the job; the transition to
	// InFlight only applies while the pending entry still exists.
	d.pending.markInFlight(job.JobID)

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-pend.done:
		return job, nil
	case <-timer.C:
		// Losing the resolve race to a concurrent reply means the winner
		// is still writing the job's outcome; wait for its done signal.
		if !d.finish(job.JobID, StateTimedOut, nil, protocol.NewError(protocol.ErrTimeout, "deadline expired before reply")) {
			<-pend.done
		}
		return job, nil
	case <-ctx.Done():
		d.sender.Cancel(entry.AgentID, job.JobID)
		if !d.finish(job.JobID, StateCancelled, nil, protocol.NewError(protocol.ErrCancelled, "caller disconnected")) {
			<-pend.done
		}
		return job, nil
	}
}

// HandleResult completes jobID successfully. Called by the session layer
// when an agent's `result` frame arrives. A false return means the job
// had already resolved and the late reply was discarded.
func (d *Dispatcher) HandleResult(jobID string, res Result) bool {
	return d.finish(jobID, StateCompleted, &res, nil)
}

// HandleError fails jobID with the ErrorKind the agent reported. Called by
// the session layer when an agent's `error` frame arrives.
func (d *Dispatcher) HandleError(jobID string, kind protocol.ErrorKind, message string) bool {
	return d.finish(jobID, StateFailed, nil, protocol.NewError(kind, message))
}

// AgentLost implements registry.EventSink: every job pending on agentID
// fails with AgentLost.
func (d *Dispatcher) AgentLost(agentID string) {
	d.failAllPending(agentID, protocol.ErrAgentLost)
}

// AgentReplaced implements registry.EventSink: every job pending on the
// prior connection for agentID fails with AgentReplaced.
func (d *Dispatcher) AgentReplaced(agentID string) {
	d.failAllPending(agentID, protocol.ErrAgentReplaced)
}

func (d *Dispatcher) failAllPending(agentID string, kind protocol.ErrorKind) {
	for _, e := range d.pending.forAgent(agentID) {
		d.finish(e.job.JobID, StateFailed, nil, protocol.NewError(kind, ""))
	}
}

// finish is the single arbitration point for ending a job: it claims the
// pending entry (delete-then-act), so exactly one caller among
// {HandleResult, HandleError, timeout, cancel, AgentLost, AgentReplaced}
// ever mutates a given job's terminal state.
func (d *Dispatcher) finish(jobID string, state State, result *Result, derr *protocol.DispatchError) bool {
	e, ok := d.pending.resolve(jobID)
	if !ok {
		if derr != nil {
			d.logger.Debug("discarding late reply for resolved job",
				zap.String("job_id", jobID), zap.String("kind", string(derr.Kind)))
		} else {
			d.logger.Debug("discarding late reply for resolved job", zap.String("job_id", jobID))
		}
		return false
	}

	job := e.job
	job.State = state
	job.CompletedAt = time.Now()
	job.Result = result
	job.Err = derr

	d.release(e.agentID)
	d.recordMetrics(job)
	d.recordHistory(job)
	close(e.done)
	return true
}

func (d *Dispatcher) immediateFail(job *Job, derr *protocol.DispatchError) *Job {
	job.State = StateFailed
	job.CompletedAt = time.Now()
	job.Err = derr
	d.recordMetrics(job)
	d.recordHistory(job)
	return job
}

// acquireCapacity picks an entry, confirms the agent is Live and has
// spare capacity, and re-picks up to pool-size times on saturation.
func (d *Dispatcher) acquireCapacity() (ippool.Entry, *protocol.DispatchError) {
	n := d.pool.Size()
	if n == 0 {
		return ippool.Entry{}, protocol.NewError(protocol.ErrNoAgentsAvailable, "pool is empty")
	}

	for i := 0; i < n; i++ {
		entry, err := d.pool.Pick()
		if err != nil {
			return ippool.Entry{}, protocol.NewError(protocol.ErrNoAgentsAvailable, err.Error())
		}
		if !d.live.IsLive(entry.AgentID) {
			continue
		}
		ok, globalFull := d.acquire(entry.AgentID)
		if globalFull {
			return ippool.Entry{}, protocol.NewError(protocol.ErrCoordinatorOverload, "max_total_in_flight exceeded")
		}
		if ok {
			return entry, nil
		}
	}
	return ippool.Entry{}, protocol.NewError(protocol.ErrAgentsSaturated, "no candidate agent has spare capacity")
}

func (d *Dispatcher) acquire(agentID string) (ok bool, globalFull bool) {
	d.mu.Lock()
	if d.totalInFlight >= d.maxTotalInFlight {
		d.mu.Unlock()
		return false, true
	}
	if d.perAgentInFlight[agentID] >= d.maxInFlight {
		d.mu.Unlock()
		return false, false
	}
	d.totalInFlight++
	d.perAgentInFlight[agentID]++
	depth := d.perAgentInFlight[agentID]
	d.mu.Unlock()

	d.metrics.SetQueueDepth(agentID, depth)
	return true, false
}

func (d *Dispatcher) release(agentID string) {
	d.mu.Lock()
	if d.totalInFlight > 0 {
		d.totalInFlight--
	}
	if d.perAgentInFlight[agentID] > 0 {
		d.perAgentInFlight[agentID]--
	}
	depth := d.perAgentInFlight[agentID]
	d.mu.Unlock()

	d.metrics.SetQueueDepth(agentID, depth)
}

func (d *Dispatcher) recordMetrics(job *Job) {
	method := job.Spec.Method
	agent := job.AssignedAgent

	status := "error"
	if job.Result != nil {
		status = strconv.Itoa(job.Result.Status)
		d.metrics.ObserveResponseSize(agent, job.Result.ResponseSizeBytes)
	}
	d.metrics.ObserveRequest(agent, status, method)

	if job.Err != nil {
		d.metrics.ObserveError(agent, string(job.Err.Kind))
	}

	d.metrics.ObserveDuration(agent, method, job.CompletedAt.Sub(job.SubmittedAt).Seconds())
}

func (d *Dispatcher) recordHistory(job *Job) {
	rec := HistoryRecord{
		JobID:       job.JobID,
		Method:      job.Spec.Method,
		URL:         job.Spec.URL,
		AgentID:     job.AssignedAgent,
		SourceIP:    job.AssignedIP,
		SubmittedAt: job.SubmittedAt,
		CompletedAt: job.CompletedAt,
		LatencySec:  job.CompletedAt.Sub(job.SubmittedAt).Seconds(),
	}
	if job.Result != nil {
		rec.Status = job.Result.Status
		rec.Body = job.Result.Body
	}
	if job.Err != nil {
		rec.ErrorKind = job.Err.Kind
	}
	d.history.Record(rec)
}

var validMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"PATCH": true, "DELETE": true, "OPTIONS": true,
}

// validateSpec rejects invalid input synchronously, before any pool
// pick, so a malformed request never consumes a cursor slot.
func validateSpec(spec Spec) *protocol.DispatchError {
	method := strings.ToUpper(strings.TrimSpace(spec.Method))
	if method == "" {
		method = "GET"
	}
	if !validMethods[method] {
		return protocol.NewError(protocol.ErrInvalidRequest, fmt.Sprintf("unsupported method %q", spec.Method))
	}

	u, err := url.Parse(spec.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return protocol.NewError(protocol.ErrInvalidRequest, fmt.Sprintf("invalid url %q", spec.URL))
	}
	return nil
}
