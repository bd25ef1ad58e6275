package session

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hopmesh/hopmesh/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize leaves room for base64 response bodies in result
	// frames.
	maxMessageSize = 16 * 1024 * 1024

	// sendBufferSize bounds how many outstanding frames can queue for one
	// agent before it is considered too slow to keep up.
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler receives decoded protocol frames from a Client's readPump. One
// Handler implementation (internal/coordinator.agentHandler) wires it to
// the Registry and Dispatcher; session itself stays ignorant of both.
type Handler interface {
	// OnRegister processes a register frame, including sending the
	// `registered` reply on c.
	OnRegister(c *Client, payload protocol.RegisterPayload)
	OnHeartbeat(agentID string, payload protocol.HeartbeatPayload)
	OnResult(payload protocol.ResultPayload)
	OnError(payload protocol.ErrorPayload)
	OnDrained(agentID string)
	// OnDisconnect is called once when the connection's readPump exits,
	// regardless of cause (network error, close frame, replaced).
	OnDisconnect(c *Client)
}

// Client is one agent's live WebSocket session, from the coordinator's
// side. It implements registry.Session.
type Client struct {
	conn    *websocket.Conn
	handler Handler
	send    chan protocol.Frame
	logger  *zap.Logger

	agentID        string
	supportsCancel bool

	closeOnce sync.Once
}

// Upgrade performs the HTTP -> WebSocket handshake and returns a Client
// ready to Run. The caller must still call SetAgentID once the register
// frame arrives (the client doesn't know its agent_id until then).
func Upgrade(w http.ResponseWriter, r *http.Request, handler Handler, logger *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		conn:    conn,
		handler: handler,
		send:    make(chan protocol.Frame, sendBufferSize),
		logger:  logger,
	}, nil
}

// SetAgentID binds the client to its logical agent_id and cancel
// capability after a register frame is processed.
func (c *Client) SetAgentID(agentID string, supportsCancel bool) {
	c.agentID = agentID
	c.supportsCancel = supportsCancel
	c.logger = c.logger.With(zap.String("agent_id", agentID))
}

// AgentID returns the bound agent_id, or "" before register completes.
func (c *Client) AgentID() string { return c.agentID }

// Run starts the read and write pumps and blocks until the connection
// closes. writePump owns the only goroutine that writes to conn; readPump
// runs on the caller's goroutine.
func (c *Client) Run() {
	go c.writePump()
	c.readPump()
}

// Close terminates the underlying connection. Safe to call more than
// once and from any goroutine (registry.Session contract).
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.send)
	})
	return nil
}

// SendRegistered, SendAckHeartbeat, and SendDrain are the coordinator ->
// agent control replies outside the Dispatcher's hot path.
func (c *Client) SendRegistered(payload protocol.RegisteredPayload) error {
	return c.sendFrame(protocol.FrameRegistered, payload)
}

func (c *Client) SendAckHeartbeat(payload protocol.AckHeartbeatPayload) error {
	return c.sendFrame(protocol.FrameAckHeartbeat, payload)
}

func (c *Client) SendDrain() error {
	return c.sendFrame(protocol.FrameDrain, struct{}{})
}

func (c *Client) sendFrame(t protocol.FrameType, payload any) error {
	f, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}
	select {
	case c.send <- f:
		return nil
	default:
		return errSendBufferFull
	}
}

var errSendBufferFull = sendBufferFullErr{}

type sendBufferFullErr struct{}

func (sendBufferFullErr) Error() string { return "session: send buffer full, agent too slow" }

func (c *Client) readPump() {
	defer func() {
		c.handler.OnDisconnect(c)
		_ = c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f protocol.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}
		c.dispatchFrame(f)
	}
}

func (c *Client) dispatchFrame(f protocol.Frame) {
	switch f.Type {
	case protocol.FrameRegister:
		var p protocol.RegisterPayload
		if err := f.Decode(&p); err != nil {
			c.logger.Warn("ws: malformed register frame", zap.Error(err))
			return
		}
		c.handler.OnRegister(c, p)

	case protocol.FrameHeartbeat:
		var p protocol.HeartbeatPayload
		if err := f.Decode(&p); err != nil {
			c.logger.Warn("ws: malformed heartbeat frame", zap.Error(err))
			return
		}
		c.handler.OnHeartbeat(c.agentID, p)

	case protocol.FrameResult:
		var p protocol.ResultPayload
		if err := f.Decode(&p); err != nil {
			c.logger.Warn("ws: malformed result frame", zap.Error(err))
			return
		}
		c.handler.OnResult(p)

	case protocol.FrameError:
		var p protocol.ErrorPayload
		if err := f.Decode(&p); err != nil {
			c.logger.Warn("ws: malformed error frame", zap.Error(err))
			return
		}
		c.handler.OnError(p)

	case protocol.FrameDrained:
		c.handler.OnDrained(c.agentID)

	default:
		c.logger.Debug("ws: ignoring unknown frame type", zap.String("type", string(f.Type)))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(f); err != nil {
				c.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
