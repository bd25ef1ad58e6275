// Package client maintains the agent's persistent WebSocket session to
// the coordinator. It handles:
//   - Initial registration (presenting agent_id/hostname/addresses, storing the confirmed id)
//   - Heartbeat loop (periodic liveness frames carrying the current address inventory)
//   - Dispatch handling (bounded worker fan-out into the executor)
//   - Automatic reconnection with exponential backoff + jitter on any failure
//
// The single-writer discipline is explicit: one goroutine owns every write
// on the connection, fed by a channel; readers and workers only enqueue.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/hopmesh/hopmesh/internal/agent/executor"
	"github.com/hopmesh/hopmesh/internal/agent/inventory"
	"github.com/hopmesh/hopmesh/internal/protocol"
)

const (
	// heartbeatInterval is how often the agent sends liveness frames. The
	// coordinator declares the agent dead after 3x this interval.
	heartbeatInterval = 15 * time.Second

	writeWait = 10 * time.Second

	// DefaultMaxInFlight bounds concurrently executing dispatches.
	DefaultMaxInFlight = 64
)

// Config holds all parameters needed to connect to the coordinator.
type Config struct {
	// CoordinatorURL is the coordinator's base URL (http://, https://,
	// ws:// or wss://). The /ws/agent path is appended here.
	CoordinatorURL string
	// AgentID is the operator-chosen identity. Empty means reuse the
	// persisted one, or auto-generate agent-<hostname>-<unix_ts>.
	AgentID string
	// StateDir is the directory where the agent's identity file lives.
	StateDir string
	// Version is the agent binary version, sent during registration.
	Version string
	// MaxInFlight caps concurrent dispatch executions. 0 means default.
	MaxInFlight int64
}

// Manager maintains the persistent session to the coordinator.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	agentID string
}

// New creates a Manager. Call Run to start the connection loop.
func New(cfg Config, logger *zap.Logger) *Manager {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	return &Manager{cfg: cfg, logger: logger.Named("client")}
}

// Run starts the connection loop. On any transport failure it reconnects
// with exponential backoff, indefinitely. Blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.resolveAgentID()

	var retry retryDelay
	for {
		if ctx.Err() != nil {
			m.logger.Info("client stopped")
			return
		}

		m.logger.Info("connecting to coordinator", zap.String("url", m.cfg.CoordinatorURL))

		if err := m.connect(ctx); err != nil {
			wait := retry.next()
			m.logger.Warn("session ended, reconnecting",
				zap.Error(err),
				zap.Duration("retry_in", wait),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		// connect returns nil only once ctx is cancelled, so this reset is
		// followed by the shutdown check above. A session that registered
		// and later dropped returns an error, and the wait keeps growing
		// from where it was; it is not reset between sessions.
		retry.reset()
	}
}

// retryDelay paces reconnect attempts: waits double from one second up to
// a one-minute ceiling, and every wait is smeared across ±20% of its
// nominal value so a fleet of agents that lost the same coordinator does
// not dial back in lockstep.
type retryDelay struct {
	wait time.Duration
}

func (r *retryDelay) next() time.Duration {
	if r.wait == 0 {
		r.wait = time.Second
	}
	smear := 0.8 + 0.4*rand.Float64()
	d := time.Duration(smear * float64(r.wait))
	if r.wait *= 2; r.wait > time.Minute {
		r.wait = time.Minute
	}
	return d
}

func (r *retryDelay) reset() { r.wait = 0 }

// resolveAgentID decides the identity this agent registers under:
// explicit config wins, then the persisted identity, then a generated id.
func (m *Manager) resolveAgentID() {
	if m.cfg.AgentID != "" {
		m.agentID = m.cfg.AgentID
		return
	}
	if id := m.loadPersistedID(); id != "" {
		m.agentID = id
		return
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	m.agentID = fmt.Sprintf("agent-%s-%d", hostname, time.Now().Unix())
}

// identityPath is the file the agent remembers its id in across restarts.
func (m *Manager) identityPath() string {
	return filepath.Join(m.cfg.StateDir, "identity.json")
}

// loadPersistedID returns the id stored by a previous run, or "" when the
// file is absent or unreadable — either way the caller falls through to
// generating a fresh id, so load failures are not worth surfacing.
func (m *Manager) loadPersistedID() string {
	raw, err := os.ReadFile(m.identityPath())
	if err != nil {
		return ""
	}
	var rec struct {
		AgentID string `json:"agent_id"`
	}
	if json.Unmarshal(raw, &rec) != nil {
		return ""
	}
	return rec.AgentID
}

// persistID records the registered id for the next restart. Written to a
// sibling temp file first and renamed into place so a crash mid-write
// cannot leave a half-written identity behind.
func (m *Manager) persistID(id string) error {
	if err := os.MkdirAll(m.cfg.StateDir, 0o700); err != nil {
		return err
	}
	raw, err := json.Marshal(struct {
		AgentID string `json:"agent_id"`
	}{AgentID: id})
	if err != nil {
		return err
	}
	tmp := m.identityPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.identityPath())
}

// sessionConn is the per-connection state: the send channel feeding the
// single writer, the worker semaphore, and the cancel funcs for in-flight
// jobs (used by the optional cancel frame).
type sessionConn struct {
	conn *websocket.Conn
	send chan protocol.Frame
	sem  *semaphore.Weighted

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	draining bool
}

func (s *sessionConn) enqueue(t protocol.FrameType, payload any) {
	f, err := protocol.Encode(t, payload)
	if err != nil {
		return
	}
	select {
	case s.send <- f:
	default:
		// Writer backed up beyond the buffer; drop and let the
		// coordinator's deadline surface the loss.
	}
}

func (s *sessionConn) trackJob(jobID string, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.cancels[jobID] = cancel
	return true
}

func (s *sessionConn) untrackJob(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, jobID)
}

func (s *sessionConn) cancelJob(jobID string) {
	s.mu.Lock()
	cancel := s.cancels[jobID]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *sessionConn) setDraining() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draining = true
}

// connect establishes one session: dial → register → pump frames until
// the connection or ctx dies.
func (m *Manager) connect(ctx context.Context) error {
	endpoint, err := wsEndpoint(m.cfg.CoordinatorURL)
	if err != nil {
		return fmt.Errorf("client: bad coordinator url: %w", err)
	}

	addrs, err := inventory.Scan()
	if err != nil {
		return fmt.Errorf("client: address scan failed: %w", err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("client: no usable local addresses — coordinator would reject registration")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("client: dial failed: %w", err)
	}
	defer conn.Close()

	sess := &sessionConn{
		conn:    conn,
		send:    make(chan protocol.Frame, 64),
		sem:     semaphore.NewWeighted(m.cfg.MaxInFlight),
		cancels: make(map[string]context.CancelFunc),
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hostname, herr := os.Hostname()
	if herr != nil {
		hostname = "unknown"
	}
	sess.enqueue(protocol.FrameRegister, protocol.RegisterPayload{
		AgentID:        m.agentID,
		Hostname:       hostname,
		Addresses:      addrs,
		AgentVersion:   m.cfg.Version,
		SupportsCancel: true,
	})

	errCh := make(chan error, 2)
	go func() { errCh <- m.writeLoop(sessCtx, sess) }()
	go func() { errCh <- m.heartbeatLoop(sessCtx, sess) }()

	readErr := m.readLoop(sessCtx, sess)
	cancel()
	<-errCh

	if ctx.Err() != nil {
		// Context cancelled (graceful shutdown) — not a real error.
		return nil
	}
	return readErr
}

// writeLoop is the single writer: nothing else touches conn's write side.
func (m *Manager) writeLoop(ctx context.Context, sess *sessionConn) error {
	for {
		select {
		case <-ctx.Done():
			_ = sess.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return ctx.Err()
		case f := <-sess.send:
			if err := sess.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return err
			}
			if err := sess.conn.WriteJSON(f); err != nil {
				return fmt.Errorf("client: write failed: %w", err)
			}
		}
	}
}

// heartbeatLoop enqueues a heartbeat every interval, re-scanning the
// address inventory each time so the coordinator's pool tracks churn.
func (m *Manager) heartbeatLoop(ctx context.Context, sess *sessionConn) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			addrs, err := inventory.Scan()
			if err != nil {
				m.logger.Warn("address scan failed, skipping heartbeat", zap.Error(err))
				continue
			}
			sess.enqueue(protocol.FrameHeartbeat, protocol.HeartbeatPayload{
				Addresses: addrs,
				Ts:        time.Now().UTC().Format(time.RFC3339),
			})
			m.logger.Debug("heartbeat sent", zap.Int("addresses", len(addrs)))
		}
	}
}

// readLoop processes coordinator frames until the connection drops.
func (m *Manager) readLoop(ctx context.Context, sess *sessionConn) error {
	for {
		var f protocol.Frame
		if err := sess.conn.ReadJSON(&f); err != nil {
			return fmt.Errorf("client: read failed: %w", err)
		}

		switch f.Type {
		case protocol.FrameRegistered:
			var p protocol.RegisteredPayload
			if err := f.Decode(&p); err != nil {
				m.logger.Warn("malformed registered frame", zap.Error(err))
				continue
			}
			m.onRegistered(p)

		case protocol.FrameDispatch:
			var p protocol.DispatchPayload
			if err := f.Decode(&p); err != nil {
				m.logger.Warn("malformed dispatch frame", zap.Error(err))
				continue
			}
			m.onDispatch(ctx, sess, p)

		case protocol.FrameCancel:
			var p protocol.CancelPayload
			if err := f.Decode(&p); err != nil {
				continue
			}
			m.logger.Debug("cancel requested", zap.String("job_id", p.JobID))
			sess.cancelJob(p.JobID)

		case protocol.FrameDrain:
			m.logger.Info("drain requested")
			sess.setDraining()
			go m.drainAndReport(ctx, sess)

		case protocol.FrameAckHeartbeat:
			m.logger.Debug("heartbeat acknowledged")

		default:
			m.logger.Debug("ignoring unknown frame type", zap.String("type", string(f.Type)))
		}
	}
}

func (m *Manager) onRegistered(p protocol.RegisteredPayload) {
	if p.AssignedAgentID != "" && p.AssignedAgentID != m.agentID {
		m.logger.Info("coordinator reassigned agent id",
			zap.String("requested", m.agentID),
			zap.String("assigned", p.AssignedAgentID),
		)
		m.agentID = p.AssignedAgentID
	}
	if err := m.persistID(m.agentID); err != nil {
		// Non-fatal: a lost identity file only costs a fresh auto-id on
		// the next restart.
		m.logger.Warn("failed to persist agent id", zap.Error(err))
	}
	m.logger.Info("registered with coordinator", zap.String("agent_id", m.agentID))
}

// onDispatch hands one job to a worker goroutine, bounded by the
// max_in_flight semaphore. The WebSocket read loop never blocks on job
// execution.
func (m *Manager) onDispatch(ctx context.Context, sess *sessionConn, p protocol.DispatchPayload) {
	if !sess.sem.TryAcquire(1) {
		sess.enqueue(protocol.FrameError, protocol.ErrorPayload{
			JobID:   p.JobID,
			Kind:    protocol.ErrOther,
			Message: "agent at max_in_flight capacity",
		})
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	if !sess.trackJob(p.JobID, cancel) {
		cancel()
		sess.sem.Release(1)
		sess.enqueue(protocol.FrameError, protocol.ErrorPayload{
			JobID:   p.JobID,
			Kind:    protocol.ErrOther,
			Message: "agent is draining",
		})
		return
	}

	go func() {
		defer func() {
			sess.untrackJob(p.JobID)
			cancel()
			sess.sem.Release(1)
		}()

		res, execErr := executor.Execute(jobCtx, executor.Request{
			SourceIP: p.SourceIP,
			Method:   p.Method,
			URL:      p.URL,
			Headers:  p.Headers,
			Body:     p.Body,
			Timeout:  time.Duration(p.TimeoutSec * float64(time.Second)),
		})
		if execErr != nil {
			m.logger.Debug("dispatch failed",
				zap.String("job_id", p.JobID),
				zap.String("kind", string(execErr.Kind)),
			)
			sess.enqueue(protocol.FrameError, protocol.ErrorPayload{
				JobID:   p.JobID,
				Kind:    execErr.Kind,
				Message: execErr.Message,
			})
			return
		}

		sess.enqueue(protocol.FrameResult, protocol.ResultPayload{
			JobID:             p.JobID,
			Status:            res.Status,
			ResponseHeaders:   res.Headers,
			ResponseBodyB64:   base64.StdEncoding.EncodeToString(res.Body),
			ElapsedSec:        res.Elapsed.Seconds(),
			ResponseSizeBytes: res.BodyBytes,
		})
	}()
}

// drainAndReport waits for every in-flight job to finish, then tells the
// coordinator the drain is complete. The coordinator closes the session
// in response.
func (m *Manager) drainAndReport(ctx context.Context, sess *sessionConn) {
	if err := sess.sem.Acquire(ctx, m.cfg.MaxInFlight); err != nil {
		return
	}
	sess.sem.Release(m.cfg.MaxInFlight)
	m.logger.Info("drained, reporting to coordinator")
	sess.enqueue(protocol.FrameDrained, struct{}{})
}

// wsEndpoint derives the /ws/agent URL from the configured coordinator
// base URL, mapping http(s) to ws(s).
func wsEndpoint(base string) (string, error) {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/agent"
	return u.String(), nil
}
