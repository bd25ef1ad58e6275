package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hopmesh/hopmesh/internal/coordinator/config"
	"github.com/hopmesh/hopmesh/internal/coordinator/dispatch"
	"github.com/hopmesh/hopmesh/internal/coordinator/ippool"
	"github.com/hopmesh/hopmesh/internal/coordinator/metrics"
	"github.com/hopmesh/hopmesh/internal/coordinator/registry"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in the coordinator's run function after all components
// are initialized and passed to NewRouter as a single struct to keep the
// constructor signature manageable.
type RouterConfig struct {
	Registry   *registry.Registry
	Pool       *ippool.Pool
	Dispatcher *dispatch.Dispatcher
	Metrics    *metrics.Metrics
	History    *metrics.History
	Config     *config.Store
	Logger     *zap.Logger

	// AgentWS handles the /ws/agent control-plane upgrade. Supplied by the
	// coordinator wiring so this package stays ignorant of the session layer.
	AgentWS http.HandlerFunc

	// RemoveAgent starts the drain flow for one agent and reports whether
	// the agent was known.
	RemoveAgent func(agentID string) bool

	// WSCount reports the number of open agent sessions.
	WSCount func() int
}

// NewRouter builds and returns the fully configured Chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	agentHandler := NewAgentHandler(cfg.Registry, cfg.RemoveAgent, cfg.Logger)
	executeHandler := NewExecuteHandler(cfg.Dispatcher, cfg.Config, cfg.Logger)
	configHandler := NewConfigHandler(cfg.Config)
	statusHandler := NewStatusHandler(cfg.Pool, cfg.Registry, cfg.Dispatcher, cfg.Metrics, cfg.History, cfg.WSCount)

	r.Route("/api", func(r chi.Router) {
		r.Post("/agents/register", agentHandler.Register)
		r.Get("/agents", agentHandler.List)
		r.Delete("/agents/{id}", agentHandler.Delete)

		r.Post("/config/request", configHandler.Set)
		r.Get("/config/request", configHandler.Get)

		r.Post("/execute", executeHandler.Post)
		r.Get("/execute", executeHandler.Get)

		r.Get("/pool/status", statusHandler.PoolStatus)
		r.Get("/stats", statusHandler.Stats)
		r.Get("/history", statusHandler.History)
	})

	r.Get("/metrics", cfg.Metrics.Handler().ServeHTTP)
	r.Get("/ws/agent", cfg.AgentWS)

	return r
}
