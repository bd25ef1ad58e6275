package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hopmesh/hopmesh/internal/coordinator/ippool"
	"github.com/hopmesh/hopmesh/internal/protocol"
)

type fakeSender struct {
	mu        sync.Mutex
	sent      []protocol.DispatchPayload
	cancelled []string
	failNext  bool
}

func (s *fakeSender) Dispatch(agentID string, payload protocol.DispatchPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return context.DeadlineExceeded
	}
	s.sent = append(s.sent, payload)
	return nil
}

func (s *fakeSender) Cancel(agentID string, jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, jobID)
}

type fakeLiveness struct {
	mu   sync.Mutex
	dead map[string]bool
}

func newFakeLiveness() *fakeLiveness { return &fakeLiveness{dead: map[string]bool{}} }

func (l *fakeLiveness) IsLive(agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.dead[agentID]
}

func (l *fakeLiveness) kill(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dead[agentID] = true
}

type fakeMetrics struct {
	mu       sync.Mutex
	requests int
	errors   int
}

func (m *fakeMetrics) ObserveRequest(agent, status, method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
}
func (m *fakeMetrics) ObserveError(agent, errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
}
func (m *fakeMetrics) ObserveDuration(agent, method string, seconds float64) {}
func (m *fakeMetrics) ObserveResponseSize(agent string, bytes int64)        {}
func (m *fakeMetrics) SetQueueDepth(agent string, depth int)                {}

type fakeHistory struct {
	mu      sync.Mutex
	records []HistoryRecord
}

func (h *fakeHistory) Record(rec HistoryRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
}

func (h *fakeHistory) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

func newTestDispatcher(maxInFlight, maxTotal int) (*Dispatcher, *ippool.Pool, *fakeSender, *fakeLiveness, *fakeMetrics, *fakeHistory) {
	pool := ippool.New(ippool.FairnessPerIP)
	sender := &fakeSender{}
	live := newFakeLiveness()
	metrics := &fakeMetrics{}
	history := &fakeHistory{}
	d := New(pool, live, sender, metrics, history, zap.NewNop(), maxInFlight, maxTotal)
	return d, pool, sender, live, metrics, history
}

func TestSubmitRejectsInvalidSpec(t *testing.T) {
	d, _, _, _, _, _ := newTestDispatcher(0, 0)
	_, err := d.Submit(context.Background(), Spec{Method: "GET", URL: "not-a-url"})
	require.Error(t, err)

	derr, ok := err.(*protocol.DispatchError)
	require.True(t, ok)
	require.Equal(t, protocol.ErrInvalidRequest, derr.Kind)
}

func TestSubmitNoAgentsAvailable(t *testing.T) {
	d, _, _, _, _, history := newTestDispatcher(0, 0)
	job, err := d.Submit(context.Background(), Spec{Method: "GET", URL: "http://example.test/x"})
	require.NoError(t, err)
	require.Equal(t, StateFailed, job.State)
	require.Equal(t, protocol.ErrNoAgentsAvailable, job.Err.Kind)
	require.Equal(t, 1, history.len())
}

func TestSubmitHappyPathCompletes(t *testing.T) {
	d, pool, _, _, metrics, history := newTestDispatcher(0, 0)
	pool.Add("A1", []string{"10.0.0.1"})

	var job *Job
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		job, err = d.Submit(context.Background(), Spec{Method: "GET", URL: "http://example.test/x", TimeoutSec: 5})
		require.NoError(t, err)
	}()

	require.Eventually(t, func() bool { return d.PendingCount() == 1 }, time.Second, time.Millisecond)

	// Find the job id the dispatcher actually assigned via its pending table.
	var jobID string
	d.pending.mu.Lock()
	for id := range d.pending.entries {
		jobID = id
	}
	d.pending.mu.Unlock()
	require.NotEmpty(t, jobID)

	ok := d.HandleResult(jobID, Result{Status: 200, ElapsedSec: 0.01, ResponseSizeBytes: 12})
	require.True(t, ok)

	wg.Wait()
	require.Equal(t, StateCompleted, job.State)
	require.Equal(t, 200, job.Result.Status)
	require.Equal(t, 1, history.len())
	require.Equal(t, 1, metrics.requests)
	require.Equal(t, 0, d.PendingCount())
}

func TestSubmitTimeout(t *testing.T) {
	d, pool, _, _, _, history := newTestDispatcher(0, 0)
	pool.Add("A1", []string{"10.0.0.1"})

	job, err := d.Submit(context.Background(), Spec{Method: "GET", URL: "http://example.test/x", TimeoutSec: 0.05})
	require.NoError(t, err)
	require.Equal(t, StateTimedOut, job.State)
	require.Equal(t, protocol.ErrTimeout, job.Err.Kind)

	// A late reply for the now-resolved job must be discarded.
	ok2 := d.HandleResult(job.JobID, Result{Status: 200})
	require.False(t, ok2)
	require.Equal(t, 1, history.len(), "late reply must not add a second history entry")
}

func TestSubmitCallerCancellation(t *testing.T) {
	d, pool, _, _, _, _ := newTestDispatcher(0, 0)
	pool.Add("A1", []string{"10.0.0.1"})

	ctx, cancel := context.WithCancel(context.Background())
	var job *Job
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		job, err = d.Submit(ctx, Spec{Method: "GET", URL: "http://example.test/x", TimeoutSec: 30})
		require.NoError(t, err)
	}()

	require.Eventually(t, func() bool { return d.PendingCount() == 1 }, time.Second, time.Millisecond)
	cancel()
	wg.Wait()

	require.Equal(t, StateCancelled, job.State)
	require.Equal(t, protocol.ErrCancelled, job.Err.Kind)
}

func TestSubmitAgentsSaturatedThenAgentLostFailsPending(t *testing.T) {
	d, pool, _, live, _, _ := newTestDispatcher(1, 0)
	pool.Add("A1", []string{"10.0.0.1"})

	var job1 *Job
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		job1, err = d.Submit(context.Background(), Spec{Method: "GET", URL: "http://example.test/x", TimeoutSec: 30})
		require.NoError(t, err)
	}()
	require.Eventually(t, func() bool { return d.PendingCount() == 1 }, time.Second, time.Millisecond)

	job2, err := d.Submit(context.Background(), Spec{Method: "GET", URL: "http://example.test/y"})
	require.NoError(t, err)
	require.Equal(t, StateFailed, job2.State)
	require.Equal(t, protocol.ErrAgentsSaturated, job2.Err.Kind)

	live.kill("A1")
	d.AgentLost("A1")
	wg.Wait()

	require.Equal(t, StateFailed, job1.State)
	require.Equal(t, protocol.ErrAgentLost, job1.Err.Kind)
}

func TestAgentReplacedFailsPendingJobs(t *testing.T) {
	d, pool, _, _, _, _ := newTestDispatcher(0, 0)
	pool.Add("A1", []string{"10.0.0.1"})

	var job *Job
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		job, err = d.Submit(context.Background(), Spec{Method: "GET", URL: "http://example.test/x", TimeoutSec: 30})
		require.NoError(t, err)
	}()
	require.Eventually(t, func() bool { return d.PendingCount() == 1 }, time.Second, time.Millisecond)

	d.AgentReplaced("A1")
	wg.Wait()

	require.Equal(t, StateFailed, job.State)
	require.Equal(t, protocol.ErrAgentReplaced, job.Err.Kind)
}

func TestSubmitDispatchSendFailureYieldsAgentLost(t *testing.T) {
	d, pool, sender, _, _, _ := newTestDispatcher(0, 0)
	pool.Add("A1", []string{"10.0.0.1"})
	sender.failNext = true

	job, err := d.Submit(context.Background(), Spec{Method: "GET", URL: "http://example.test/x"})
	require.NoError(t, err)
	require.Equal(t, StateFailed, job.State)
	require.Equal(t, protocol.ErrAgentLost, job.Err.Kind)
	require.Equal(t, 0, d.PendingCount())
}
