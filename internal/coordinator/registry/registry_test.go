package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hopmesh/hopmesh/internal/coordinator/ippool"
)

type fakeSession struct {
	closed bool
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

type fakeSink struct {
	replaced []string
	lost     []string
}

func (s *fakeSink) AgentReplaced(agentID string) { s.replaced = append(s.replaced, agentID) }
func (s *fakeSink) AgentLost(agentID string)      { s.lost = append(s.lost, agentID) }

func newTestRegistry() (*Registry, *ippool.Pool, *fakeSink) {
	pool := ippool.New(ippool.FairnessPerIP)
	sink := &fakeSink{}
	r := New(pool, sink, zap.NewNop())
	return r, pool, sink
}

func TestValidateAgentID(t *testing.T) {
	require.NoError(t, ValidateAgentID("agent-1"))
	require.Error(t, ValidateAgentID(""))

	long := make([]byte, maxAgentIDLen+1)
	for i := range long {
		long[i] = 'a'
	}
	require.Error(t, ValidateAgentID(string(long)))
	require.Error(t, ValidateAgentID("bad\x00id"))
}

func TestRegisterPopulatesPool(t *testing.T) {
	r, pool, _ := newTestRegistry()
	sess := &fakeSession{}

	r.Register("A1", "box1", []string{"::1", "127.0.0.2"}, "1.0.0", false, sess)

	require.True(t, r.IsLive("A1"))
	require.Equal(t, 2, pool.Size())

	snap, ok := r.Get("A1")
	require.True(t, ok)
	require.Equal(t, "box1", snap.Hostname)
	require.Equal(t, StateLive, snap.State)
}

func TestRegisterReplacesLiveSession(t *testing.T) {
	r, _, sink := newTestRegistry()
	first := &fakeSession{}
	second := &fakeSession{}

	r.Register("A1", "box1", []string{"10.0.0.1"}, "1.0.0", false, first)
	r.Register("A1", "box1", []string{"10.0.0.1"}, "1.0.1", false, second)

	require.True(t, first.closed, "prior session must be closed on replace")
	require.False(t, second.closed)
	require.Equal(t, []string{"A1"}, sink.replaced)
	require.True(t, r.IsLive("A1"))
}

func TestHeartbeatUpdatesPoolAndUnknownAgent(t *testing.T) {
	r, pool, _ := newTestRegistry()
	r.Register("A1", "box1", []string{"10.0.0.1"}, "1.0.0", false, &fakeSession{})

	require.True(t, r.Heartbeat("A1", []string{"10.0.0.1", "10.0.0.2"}))
	require.Equal(t, 2, pool.Size())

	require.False(t, r.Heartbeat("ghost", []string{"1.2.3.4"}))
}

func TestRemoveClearsPoolAndNotifiesSink(t *testing.T) {
	r, pool, sink := newTestRegistry()
	r.Register("A1", "box1", []string{"10.0.0.1"}, "1.0.0", false, &fakeSession{})

	r.Remove("A1")

	require.Equal(t, 0, pool.Size())
	require.Equal(t, []string{"A1"}, sink.lost)
	require.False(t, r.IsLive("A1"))

	// Removing an unknown agent a second time must not notify again.
	r.Remove("A1")
	require.Equal(t, []string{"A1"}, sink.lost)
}

func TestMarkDrainingUnknownAgent(t *testing.T) {
	r, _, _ := newTestRegistry()
	require.False(t, r.MarkDraining("ghost"))

	r.Register("A1", "box1", []string{"10.0.0.1"}, "1.0.0", false, &fakeSession{})
	require.True(t, r.MarkDraining("A1"))
	snap, _ := r.Get("A1")
	require.Equal(t, StateDraining, snap.State)
}

func TestSweepDeclaresDeadAfterSilence(t *testing.T) {
	r, pool, sink := newTestRegistry()
	r.Register("A1", "box1", []string{"10.0.0.1"}, "1.0.0", false, &fakeSession{})

	// Backdate the heartbeat past DeadAfter without waiting in real time.
	r.mu.Lock()
	r.agents["A1"].LastHeartbeat = time.Now().Add(-DeadAfter - time.Second)
	r.mu.Unlock()

	r.sweepOnce()

	require.False(t, r.IsLive("A1"))
	require.Equal(t, 0, pool.Size())
	require.Equal(t, []string{"A1"}, sink.lost)
}

func TestSweepIgnoresRecentHeartbeats(t *testing.T) {
	r, _, sink := newTestRegistry()
	r.Register("A1", "box1", []string{"10.0.0.1"}, "1.0.0", false, &fakeSession{})

	r.sweepOnce()

	require.True(t, r.IsLive("A1"))
	require.Empty(t, sink.lost)
}

func TestListAndCounts(t *testing.T) {
	r, _, _ := newTestRegistry()
	r.Register("A1", "box1", []string{"10.0.0.1"}, "1.0.0", false, &fakeSession{})
	r.Register("A2", "box2", []string{"10.0.0.2"}, "1.0.0", false, &fakeSession{})
	r.MarkDraining("A2")

	require.Equal(t, 2, r.Count())
	require.Equal(t, 1, r.ConnectedCount())
	require.Len(t, r.List(), 2)
}
