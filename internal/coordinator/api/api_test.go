package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hopmesh/hopmesh/internal/coordinator/config"
	"github.com/hopmesh/hopmesh/internal/coordinator/dispatch"
	"github.com/hopmesh/hopmesh/internal/coordinator/ippool"
	"github.com/hopmesh/hopmesh/internal/coordinator/metrics"
	"github.com/hopmesh/hopmesh/internal/coordinator/registry"
	"github.com/hopmesh/hopmesh/internal/protocol"
)

// echoSender resolves every dispatched job with a fixed 200 as soon as
// the dispatcher sends it, standing in for a connected agent.
type echoSender struct {
	dispatcher *dispatch.Dispatcher
	body       string
}

func (s *echoSender) Dispatch(agentID string, payload protocol.DispatchPayload) error {
	go s.dispatcher.HandleResult(payload.JobID, dispatch.Result{
		Status:            200,
		Headers:           map[string]string{"X-Agent": agentID},
		Body:              []byte(s.body),
		ElapsedSec:        0.01,
		ResponseSizeBytes: int64(len(s.body)),
	})
	return nil
}

func (s *echoSender) Cancel(agentID, jobID string) {}

type alwaysLive struct{}

func (alwaysLive) IsLive(string) bool { return true }

type noopSink struct{}

func (noopSink) AgentReplaced(string) {}
func (noopSink) AgentLost(string)     {}

type testEnv struct {
	server  *httptest.Server
	pool    *ippool.Pool
	removed []string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := zap.NewNop()
	pool := ippool.New(ippool.FairnessPerIP)
	reg := registry.New(pool, noopSink{}, logger)
	m := metrics.New()
	history := metrics.NewHistory(0, 0)

	sender := &echoSender{body: "agent says hi"}
	d := dispatch.New(pool, alwaysLive{}, sender, m, history, logger, 0, 0)
	sender.dispatcher = d

	env := &testEnv{pool: pool}
	router := NewRouter(RouterConfig{
		Registry:   reg,
		Pool:       pool,
		Dispatcher: d,
		Metrics:    m,
		History:    history,
		Config:     config.NewStore(),
		Logger:     logger,
		AgentWS:    func(w http.ResponseWriter, r *http.Request) {},
		RemoveAgent: func(id string) bool {
			env.removed = append(env.removed, id)
			return id == "known-agent"
		},
		WSCount: func() int { return 0 },
	})

	env.server = httptest.NewServer(router)
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func TestExecuteEmptyPoolReturns503(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, "POST", "/api/execute", `{"url":"http://127.0.0.1:1/x","method":"GET","timeout":1}`)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var out map[string]struct {
		Kind string `json:"kind"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, "NoAgentsAvailable", out["error"].Kind)
}

func TestExecuteHappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.pool.Add("A1", []string{"10.0.0.1"})

	resp, body := env.do(t, "POST", "/api/execute", `{"url":"http://example.test/x","method":"GET","timeout":5}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		JobID      string `json:"job_id"`
		AgentID    string `json:"agent_id"`
		SourceIP   string `json:"source_ip"`
		Status     int    `json:"status"`
		Body       string `json:"body"`
		ElapsedSec float64 `json:"elapsed_sec"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotEmpty(t, out.JobID)
	require.Equal(t, "A1", out.AgentID)
	require.Equal(t, "10.0.0.1", out.SourceIP)
	require.Equal(t, 200, out.Status)
	require.Equal(t, "agent says hi", out.Body)
}

func TestExecuteInvalidRequestIs400(t *testing.T) {
	env := newTestEnv(t)
	env.pool.Add("A1", []string{"10.0.0.1"})

	resp, body := env.do(t, "POST", "/api/execute", `{"url":"not-a-url","method":"GET"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var out map[string]struct {
		Kind string `json:"kind"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, "InvalidRequest", out["error"].Kind)
}

func TestRequestConfigRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	// Unset config reads as JSON null.
	resp, body := env.do(t, "GET", "/api/config/request", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "null", strings.TrimSpace(string(body)))

	stored := `{"url":"http://example.test/x","method":"POST","headers":{"X-A":"1"},"body":"ping","timeout":2.5}`
	resp, body = env.do(t, "POST", "/api/config/request", stored)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"ok":true}`, string(body))

	// encode(decode(x)) == x for valid x.
	resp, body = env.do(t, "GET", "/api/config/request", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, stored, string(body))
}

func TestExecuteGetUsesStoredConfig(t *testing.T) {
	env := newTestEnv(t)
	env.pool.Add("A1", []string{"10.0.0.1"})

	// No stored config yet.
	resp, _ := env.do(t, "GET", "/api/execute", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	env.do(t, "POST", "/api/config/request", `{"url":"http://example.test/x","method":"GET"}`)
	resp, body := env.do(t, "GET", "/api/execute", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Status int `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, 200, out.Status)
}

func TestPoolStatus(t *testing.T) {
	env := newTestEnv(t)
	env.pool.Add("A1", []string{"10.0.0.1", "10.0.0.2"})

	resp, body := env.do(t, "GET", "/api/pool/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Size    int `json:"size"`
		Entries []struct {
			AgentID string `json:"agent_id"`
			IP      string `json:"ip"`
		} `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, 2, out.Size)
	require.Len(t, out.Entries, 2)
	require.Equal(t, "10.0.0.1", out.Entries[0].IP)
}

func TestAgentRegisterPseudo(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, "POST", "/api/agents/register", `{"agent_id":"my-agent"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"agent_id":"my-agent"}`, string(body))

	resp, body = env.do(t, "POST", "/api/agents/register", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.Unmarshal(body, &out))
	require.True(t, strings.HasPrefix(out["agent_id"], "agent-"))
}

func TestAgentDelete(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, "DELETE", "/api/agents/known-agent", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"removed":true}`, string(body))

	resp, body = env.do(t, "DELETE", "/api/agents/ghost", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"removed":false}`, string(body))
	require.Equal(t, []string{"known-agent", "ghost"}, env.removed)
}

func TestStatsAndHistory(t *testing.T) {
	env := newTestEnv(t)
	env.pool.Add("A1", []string{"10.0.0.1"})

	env.do(t, "POST", "/api/execute", `{"url":"http://example.test/x","method":"GET","timeout":5}`)

	resp, body := env.do(t, "GET", "/api/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats struct {
		RequestsTotal int64 `json:"requests_total"`
		PoolSize      int   `json:"ip_pool_size"`
	}
	require.NoError(t, json.Unmarshal(body, &stats))
	require.EqualValues(t, 1, stats.RequestsTotal)
	require.Equal(t, 1, stats.PoolSize)

	resp, body = env.do(t, "GET", "/api/history?limit=10", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hist []struct {
		AgentID string `json:"agent_id"`
		Status  int    `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &hist))
	require.Len(t, hist, 1)
	require.Equal(t, "A1", hist[0].AgentID)
	require.Equal(t, 200, hist[0].Status)
}

func TestMetricsExposition(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
