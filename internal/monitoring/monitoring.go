// Package monitoring implements the `--mode monitoring` loop: a compact
// periodic poll of the coordinator's /api/stats and /api/pool/status
// endpoints, logged one line per tick. It deliberately stays a thin REST
// consumer — the coordinator is the source of truth and this mode must
// work against any build of it.
package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const pollInterval = 5 * time.Second

// Config carries the monitoring mode's settings.
type Config struct {
	// CoordinatorURL is the coordinator's base HTTP URL.
	CoordinatorURL string
}

type statsResponse struct {
	RequestsTotal        int64   `json:"requests_total"`
	RequestErrorsTotal   int64   `json:"request_errors_total"`
	UptimeSeconds        float64 `json:"uptime_seconds"`
	AgentsTotal          int     `json:"agents_total"`
	AgentsConnected      int     `json:"agents_connected"`
	PoolSize             int     `json:"ip_pool_size"`
	PendingJobs          int     `json:"pending_jobs"`
	WebsocketConnections int     `json:"websocket_connections"`
}

type poolResponse struct {
	Size    int `json:"size"`
	Entries []struct {
		AgentID string `json:"agent_id"`
		IP      string `json:"ip"`
	} `json:"entries"`
}

// Run polls the coordinator until ctx is cancelled. A coordinator that is
// down is reported and retried on the next tick, not treated as fatal.
func Run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	logger = logger.Named("monitoring")
	base := strings.TrimSuffix(cfg.CoordinatorURL, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}

	client := &http.Client{Timeout: 4 * time.Second}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	logger.Info("monitoring coordinator", zap.String("url", base))
	for {
		tick(ctx, client, base, logger)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func tick(ctx context.Context, client *http.Client, base string, logger *zap.Logger) {
	var stats statsResponse
	if err := getJSON(ctx, client, base+"/api/stats", &stats); err != nil {
		logger.Warn("coordinator unreachable", zap.Error(err))
		return
	}
	var pool poolResponse
	if err := getJSON(ctx, client, base+"/api/pool/status", &pool); err != nil {
		logger.Warn("pool status fetch failed", zap.Error(err))
		return
	}

	logger.Info("coordinator status",
		zap.Int("agents_connected", stats.AgentsConnected),
		zap.Int("agents_total", stats.AgentsTotal),
		zap.Int("pool_size", pool.Size),
		zap.Int("pending_jobs", stats.PendingJobs),
		zap.Int64("requests_total", stats.RequestsTotal),
		zap.Int64("errors_total", stats.RequestErrorsTotal),
		zap.Float64("uptime_sec", stats.UptimeSeconds),
	)
}

func getJSON(ctx context.Context, client *http.Client, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
