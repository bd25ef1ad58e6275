package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hopmesh/hopmesh/internal/coordinator/dispatch"
)

func TestHistoryEvictsOldestSilently(t *testing.T) {
	h := NewHistory(3, 0)

	for _, id := range []string{"a", "b", "c", "d"} {
		h.Record(dispatch.HistoryRecord{JobID: id})
	}

	require.Equal(t, 3, h.Len())
	recent := h.Recent(0)
	require.Len(t, recent, 3)
	// Newest first; "a" was evicted.
	require.Equal(t, "d", recent[0].JobID)
	require.Equal(t, "c", recent[1].JobID)
	require.Equal(t, "b", recent[2].JobID)
}

func TestHistoryRecentLimit(t *testing.T) {
	h := NewHistory(10, 0)
	for _, id := range []string{"a", "b", "c"} {
		h.Record(dispatch.HistoryRecord{JobID: id})
	}

	recent := h.Recent(2)
	require.Len(t, recent, 2)
	require.Equal(t, "c", recent[0].JobID)
	require.Equal(t, "b", recent[1].JobID)
}

func TestHistoryTruncatesBody(t *testing.T) {
	h := NewHistory(2, 4)
	h.Record(dispatch.HistoryRecord{JobID: "a", Body: []byte("0123456789")})

	recent := h.Recent(1)
	require.Equal(t, []byte("0123"), recent[0].Body)
}

func TestHistoryCopiesBody(t *testing.T) {
	h := NewHistory(2, 0)
	body := []byte("hello")
	h.Record(dispatch.HistoryRecord{JobID: "a", Body: body})
	body[0] = 'X'

	recent := h.Recent(1)
	require.Equal(t, []byte("hello"), recent[0].Body)
}

func TestMetricsSnapshotCounts(t *testing.T) {
	m := New()
	m.ObserveRequest("A1", "200", "GET")
	m.ObserveRequest("A1", "500", "GET")
	m.ObserveError("A1", "Timeout")

	s := m.Snapshot()
	require.EqualValues(t, 2, s.RequestsTotal)
	require.EqualValues(t, 1, s.RequestErrorsTotal)
	require.GreaterOrEqual(t, s.UptimeSeconds, 0.0)
}
