// Package main is the entry point for the hopmesh binary: one executable
// with three runtime modes selected by --mode.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Dispatch to the selected mode's run function
//  4. Block until SIGINT/SIGTERM, then graceful shutdown
//
// Exit codes: 0 normal, 1 usage error, 2 unrecoverable startup failure.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hopmesh/hopmesh/internal/agent"
	"github.com/hopmesh/hopmesh/internal/coordinator"
	"github.com/hopmesh/hopmesh/internal/monitoring"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	mode     string
	logLevel string

	// Coordinator mode.
	host        string
	port        int
	binds       []string
	fairness    string
	maxInFlight int
	maxTotal    int
	historySize int

	// Agent and monitoring modes.
	coordinatorURL string
	agentID        string
	stateDir       string
}

// startupError marks failures that happen after argument parsing
// succeeded — a taken port, an unreachable dependency. They exit 2, while
// usage errors exit 1.
type startupError struct{ err error }

func (e *startupError) Error() string { return e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var serr *startupError
		if errors.As(err, &serr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "hopmesh",
		Short: "hopmesh — distributed HTTP egress dispatcher",
		Long: `hopmesh dispatches HTTP request jobs across a fleet of agents, each
executing the outbound call from a specific local source IP. One binary
serves all three roles: the central coordinator, the per-host agent, and
a terminal monitor polling a running coordinator.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.mode, "mode", envOrDefault("DISPATCHER_MODE", ""), "Runtime mode: coordinator, agent, or monitoring (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("DISPATCHER_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	root.PersistentFlags().StringVar(&cfg.host, "host", "0.0.0.0", "Coordinator listen host")
	root.PersistentFlags().IntVar(&cfg.port, "port", 8080, "Coordinator listen port")
	root.PersistentFlags().StringArrayVar(&cfg.binds, "bind", nil, "Additional HOST:PORT listener (repeatable)")
	root.PersistentFlags().StringVar(&cfg.fairness, "fairness", "per-ip", "Pool selection fairness: per-ip or per-agent")
	root.PersistentFlags().IntVar(&cfg.maxInFlight, "max-in-flight", 0, "Per-agent in-flight job cap (0 = default 64)")
	root.PersistentFlags().IntVar(&cfg.maxTotal, "max-total-in-flight", 0, "Coordinator-wide in-flight job cap (0 = default 4096)")
	root.PersistentFlags().IntVar(&cfg.historySize, "history-size", 0, "History ring capacity (0 = default 1000)")

	root.PersistentFlags().StringVar(&cfg.coordinatorURL, "coordinator-url", envOrDefault("DISPATCHER_COORDINATOR_URL", "http://localhost:8080"), "Coordinator base URL (agent and monitoring modes)")
	root.PersistentFlags().StringVar(&cfg.agentID, "agent-id", envOrDefault("DISPATCHER_AGENT_ID", ""), "Agent identity (empty = persisted or auto-generated)")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", defaultStateDir(), "Directory for agent state (identity file)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hopmesh %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	if cfg.mode == "" {
		return fmt.Errorf("--mode is required (coordinator, agent, or monitoring)")
	}

	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting hopmesh",
		zap.String("version", version),
		zap.String("mode", cfg.mode),
		zap.String("log_level", cfg.logLevel),
	)

	switch cfg.mode {
	case "coordinator":
		if cfg.fairness != "per-ip" && cfg.fairness != "per-agent" {
			return fmt.Errorf("--fairness must be per-ip or per-agent, got %q", cfg.fairness)
		}
		err := coordinator.Run(ctx, coordinator.Config{
			Host:             cfg.host,
			Port:             cfg.port,
			Binds:            cfg.binds,
			Fairness:         cfg.fairness,
			MaxInFlight:      cfg.maxInFlight,
			MaxTotalInFlight: cfg.maxTotal,
			HistorySize:      cfg.historySize,
		}, logger)
		if err != nil {
			return &startupError{err}
		}
		return nil

	case "agent":
		return agent.Run(ctx, agent.Config{
			CoordinatorURL: cfg.coordinatorURL,
			AgentID:        cfg.agentID,
			StateDir:       cfg.stateDir,
			Version:        version,
			MaxInFlight:    int64(cfg.maxInFlight),
		}, logger)

	case "monitoring":
		return monitoring.Run(ctx, monitoring.Config{
			CoordinatorURL: cfg.coordinatorURL,
		}, logger)

	default:
		return fmt.Errorf("unknown mode %q (want coordinator, agent, or monitoring)", cfg.mode)
	}
}

func defaultStateDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "hopmesh")
	}
	return "./hopmesh-state"
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
