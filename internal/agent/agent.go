// Package agent wires the agent-mode components: address inventory,
// bound HTTP executor, and the coordinator session client.
package agent

import (
	"context"

	"go.uber.org/zap"

	"github.com/hopmesh/hopmesh/internal/agent/client"
)

// Config carries the agent's CLI-level settings.
type Config struct {
	CoordinatorURL string
	AgentID        string
	StateDir       string
	Version        string
	MaxInFlight    int64
}

// Run starts the agent and blocks until ctx is cancelled. The session
// client reconnects forever on its own; Run never fails once started.
func Run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	logger = logger.Named("agent")
	logger.Info("starting agent",
		zap.String("coordinator", cfg.CoordinatorURL),
		zap.String("state_dir", cfg.StateDir),
	)

	mgr := client.New(client.Config{
		CoordinatorURL: cfg.CoordinatorURL,
		AgentID:        cfg.AgentID,
		StateDir:       cfg.StateDir,
		Version:        cfg.Version,
		MaxInFlight:    cfg.MaxInFlight,
	}, logger)

	mgr.Run(ctx)
	return nil
}
