// Package coordinator wires the coordinator-side components together:
// registry, IP pool, dispatcher, metrics, session hub, and the REST
// facade, and runs the HTTP listeners. The wiring order mirrors the
// dependency arrows in the design: pool and hub first, then registry and
// dispatcher on top, then the agentHandler that closes the loop between
// the session layer and both of them.
package coordinator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hopmesh/hopmesh/internal/coordinator/api"
	"github.com/hopmesh/hopmesh/internal/coordinator/config"
	"github.com/hopmesh/hopmesh/internal/coordinator/dispatch"
	"github.com/hopmesh/hopmesh/internal/coordinator/ippool"
	"github.com/hopmesh/hopmesh/internal/coordinator/metrics"
	"github.com/hopmesh/hopmesh/internal/coordinator/registry"
	"github.com/hopmesh/hopmesh/internal/coordinator/session"
	"github.com/hopmesh/hopmesh/internal/protocol"
)

// Config carries the coordinator's CLI-level settings.
type Config struct {
	Host string
	Port int
	// Binds are additional HOST:PORT listeners beyond Host:Port.
	Binds []string

	Fairness         string
	MaxInFlight      int
	MaxTotalInFlight int
	HistorySize      int
}

// Run starts the coordinator and blocks until ctx is cancelled or a
// listener fails to start.
func Run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	logger = logger.Named("coordinator")

	pool := ippool.New(ippool.Fairness(cfg.Fairness))
	hub := session.NewHub()
	m := metrics.New()
	history := metrics.NewHistory(cfg.HistorySize, 0)

	var d *dispatch.Dispatcher
	reg := registry.New(pool, &dispatchSink{get: func() *dispatch.Dispatcher { return d }}, logger)
	d = dispatch.New(pool, reg, hub, m, history, logger, cfg.MaxInFlight, cfg.MaxTotalInFlight)

	m.SetSources(metrics.GaugeSources{
		AgentsConnected: reg.ConnectedCount,
		AgentsTotal:     reg.Count,
		PoolSize:        pool.Size,
		PoolAvailable: func() int {
			n := 0
			for _, e := range pool.Entries() {
				if reg.IsLive(e.AgentID) {
					n++
				}
			}
			return n
		},
		WSConnections: hub.Count,
	})

	h := &agentHandler{
		registry:   reg,
		hub:        hub,
		dispatcher: d,
		logger:     logger.Named("session"),
	}

	router := api.NewRouter(api.RouterConfig{
		Registry:   reg,
		Pool:       pool,
		Dispatcher: d,
		Metrics:    m,
		History:    history,
		Config:     config.NewStore(),
		Logger:     logger,
		AgentWS:    h.serveWS,
		RemoveAgent: func(agentID string) bool {
			return drainAgent(reg, hub, agentID)
		},
		WSCount: hub.Count,
	})

	addrs := append([]string{net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))}, cfg.Binds...)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reg.RunSweep(ctx)
		return nil
	})

	servers := make([]*http.Server, 0, len(addrs))
	for _, addr := range addrs {
		srv := &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		servers = append(servers, srv)

		// Listen synchronously so a taken port surfaces as a startup
		// failure instead of a background log line.
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("coordinator: listen %s: %w", addr, err)
		}
		logger.Info("listening", zap.String("addr", addr))

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("coordinator: serve %s: %w", addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http server graceful shutdown error", zap.Error(err))
			}
		}
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// drainAgent starts the graceful removal flow for one agent: mark it
// Draining so the dispatcher stops picking it, then ask it to finish its
// in-flight jobs. The session closes once the agent replies `drained`; an
// agent that never does and stops heartbeating is removed by the sweep.
func drainAgent(reg *registry.Registry, hub *session.Hub, agentID string) bool {
	if !reg.MarkDraining(agentID) {
		return false
	}
	if c, ok := hub.Get(agentID); ok {
		_ = c.SendDrain()
	} else {
		// No live session to drain — drop the record outright.
		reg.Remove(agentID)
	}
	return true
}

// dispatchSink adapts the Dispatcher to registry.EventSink through a late
// binding, because the Dispatcher needs the Registry (for liveness) and
// the Registry needs the Dispatcher (for pending-job failure) — the one
// construction-order cycle in the wiring.
type dispatchSink struct {
	get func() *dispatch.Dispatcher
}

func (s *dispatchSink) AgentReplaced(agentID string) { s.get().AgentReplaced(agentID) }
func (s *dispatchSink) AgentLost(agentID string)     { s.get().AgentLost(agentID) }

// agentHandler implements session.Handler: it is the glue between raw
// protocol frames and the registry/dispatcher.
type agentHandler struct {
	registry   *registry.Registry
	hub        *session.Hub
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger
}

// serveWS handles GET /ws/agent: upgrade and run the session until the
// connection drops.
func (h *agentHandler) serveWS(w http.ResponseWriter, r *http.Request) {
	c, err := session.Upgrade(w, r, h, h.logger)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	c.Run()
}

func (h *agentHandler) OnRegister(c *session.Client, p protocol.RegisterPayload) {
	if err := registry.ValidateAgentID(p.AgentID); err != nil {
		h.logger.Warn("rejecting registration: bad agent_id", zap.Error(err))
		_ = c.Close()
		return
	}
	if len(p.Addresses) == 0 {
		// Spec: a zero-address agent is useless to the pool and is
		// rejected at registration with a close frame.
		h.logger.Warn("rejecting registration: no addresses", zap.String("agent_id", p.AgentID))
		_ = c.Close()
		return
	}

	c.SetAgentID(p.AgentID, p.SupportsCancel)

	// Hub before registry: Register closes any displaced session, whose
	// OnDisconnect must already observe the new client as current so it
	// doesn't tear down the replacement registration.
	h.hub.Add(p.AgentID, c)
	h.registry.Register(p.AgentID, p.Hostname, p.Addresses, p.AgentVersion, p.SupportsCancel, c)

	if err := c.SendRegistered(protocol.RegisteredPayload{
		AssignedAgentID: p.AgentID,
		ServerTime:      time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		h.logger.Warn("failed to send registered frame", zap.String("agent_id", p.AgentID), zap.Error(err))
	}
}

func (h *agentHandler) OnHeartbeat(agentID string, p protocol.HeartbeatPayload) {
	if agentID == "" {
		return // heartbeat before register; ignore
	}
	if !h.registry.Heartbeat(agentID, p.Addresses) {
		h.logger.Warn("heartbeat from unknown agent", zap.String("agent_id", agentID))
		return
	}
	if c, ok := h.hub.Get(agentID); ok {
		_ = c.SendAckHeartbeat(protocol.AckHeartbeatPayload{Ts: time.Now().UTC().Format(time.RFC3339)})
	}
}

func (h *agentHandler) OnResult(p protocol.ResultPayload) {
	body, err := base64.StdEncoding.DecodeString(p.ResponseBodyB64)
	if err != nil {
		h.logger.Warn("result frame with undecodable body", zap.String("job_id", p.JobID), zap.Error(err))
		h.dispatcher.HandleError(p.JobID, protocol.ErrOther, "agent returned undecodable response body")
		return
	}
	h.dispatcher.HandleResult(p.JobID, dispatch.Result{
		Status:            p.Status,
		Headers:           p.ResponseHeaders,
		Body:              body,
		ElapsedSec:        p.ElapsedSec,
		ResponseSizeBytes: p.ResponseSizeBytes,
	})
}

func (h *agentHandler) OnError(p protocol.ErrorPayload) {
	h.dispatcher.HandleError(p.JobID, p.Kind, p.Message)
}

func (h *agentHandler) OnDrained(agentID string) {
	h.logger.Info("agent drained", zap.String("agent_id", agentID))
	if c, ok := h.hub.Get(agentID); ok {
		_ = c.Close()
	}
}

func (h *agentHandler) OnDisconnect(c *session.Client) {
	agentID := c.AgentID()
	if agentID == "" {
		return // never registered
	}
	// A replaced connection's disconnect must not evict its successor:
	// only tear down registry state if this client is still current.
	if cur, ok := h.hub.Get(agentID); !ok || cur != c {
		return
	}
	h.hub.Remove(agentID, c)
	h.registry.Remove(agentID)
}
