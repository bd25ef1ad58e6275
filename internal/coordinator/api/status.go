package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/hopmesh/hopmesh/internal/coordinator/dispatch"
	"github.com/hopmesh/hopmesh/internal/coordinator/ippool"
	"github.com/hopmesh/hopmesh/internal/coordinator/metrics"
	"github.com/hopmesh/hopmesh/internal/coordinator/registry"
)

// StatusHandler serves the read-only observability endpoints:
// /api/pool/status, /api/stats, and /api/history.
type StatusHandler struct {
	pool       *ippool.Pool
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics
	history    *metrics.History
	wsCount    func() int
}

// NewStatusHandler builds a StatusHandler. wsCount reports the number of
// open agent WebSocket sessions.
func NewStatusHandler(pool *ippool.Pool, reg *registry.Registry, d *dispatch.Dispatcher, m *metrics.Metrics, h *metrics.History, wsCount func() int) *StatusHandler {
	return &StatusHandler{pool: pool, registry: reg, dispatcher: d, metrics: m, history: h, wsCount: wsCount}
}

type poolEntryView struct {
	AgentID string `json:"agent_id"`
	IP      string `json:"ip"`
}

// PoolStatus serves GET /api/pool/status.
func (h *StatusHandler) PoolStatus(w http.ResponseWriter, r *http.Request) {
	entries := h.pool.Entries()
	out := make([]poolEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, poolEntryView{AgentID: e.AgentID, IP: e.IP})
	}
	JSON(w, http.StatusOK, map[string]any{
		"size":    len(out),
		"entries": out,
	})
}

type statsView struct {
	metrics.Stats
	AgentsTotal          int `json:"agents_total"`
	AgentsConnected      int `json:"agents_connected"`
	PoolSize             int `json:"ip_pool_size"`
	PendingJobs          int `json:"pending_jobs"`
	WebsocketConnections int `json:"websocket_connections"`
}

// Stats serves GET /api/stats.
func (h *StatusHandler) Stats(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, statsView{
		Stats:                h.metrics.Snapshot(),
		AgentsTotal:          h.registry.Count(),
		AgentsConnected:      h.registry.ConnectedCount(),
		PoolSize:             h.pool.Size(),
		PendingJobs:          h.dispatcher.PendingCount(),
		WebsocketConnections: h.wsCount(),
	})
}

type historyView struct {
	JobID       string  `json:"job_id"`
	Method      string  `json:"method"`
	URL         string  `json:"url"`
	AgentID     string  `json:"agent_id"`
	SourceIP    string  `json:"source_ip"`
	Status      int     `json:"status,omitempty"`
	ErrorKind   string  `json:"error,omitempty"`
	LatencySec  float64 `json:"latency_sec"`
	SubmittedAt string  `json:"submitted_at"`
	CompletedAt string  `json:"completed_at"`
	Body        string  `json:"body,omitempty"`
}

// History serves GET /api/history?limit=N, newest first.
func (h *StatusHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			ErrBadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	recs := h.history.Recent(limit)
	out := make([]historyView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, historyView{
			JobID:       rec.JobID,
			Method:      rec.Method,
			URL:         rec.URL,
			AgentID:     rec.AgentID,
			SourceIP:    rec.SourceIP,
			Status:      rec.Status,
			ErrorKind:   string(rec.ErrorKind),
			LatencySec:  rec.LatencySec,
			SubmittedAt: rec.SubmittedAt.UTC().Format(time.RFC3339Nano),
			CompletedAt: rec.CompletedAt.UTC().Format(time.RFC3339Nano),
			Body:        string(rec.Body),
		})
	}
	JSON(w, http.StatusOK, out)
}
