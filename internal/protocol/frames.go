// Package protocol defines the wire vocabulary shared between the
// coordinator and the agent: the WebSocket control-plane frames and the
// error taxonomy that is propagated verbatim from agent to coordinator to
// REST caller.
//
// Frame naming convention:
//
//	register      — agent -> coordinator, first frame on a new connection
//	registered    — coordinator -> agent, reply to register
//	dispatch      — coordinator -> agent, one HTTP job to execute
//	result        — agent -> coordinator, successful dispatch outcome
//	error         — agent -> coordinator, failed dispatch outcome
//	heartbeat     — agent -> coordinator, periodic liveness + address inventory
//	ack_heartbeat — coordinator -> agent, reply to heartbeat
//	drain         — coordinator -> agent, stop accepting new jobs
//	drained       — agent -> coordinator, in-flight jobs finished
//	cancel        — coordinator -> agent, best-effort abort of one dispatch
//
// Unknown frame types are logged and ignored by both sides so the protocol
// can grow without breaking older peers.
package protocol

import "encoding/json"

// FrameType discriminates the JSON payload carried by a Frame.
type FrameType string

const (
	FrameRegister     FrameType = "register"
	FrameRegistered   FrameType = "registered"
	FrameDispatch     FrameType = "dispatch"
	FrameResult       FrameType = "result"
	FrameError        FrameType = "error"
	FrameHeartbeat    FrameType = "heartbeat"
	FrameAckHeartbeat FrameType = "ack_heartbeat"
	FrameDrain        FrameType = "drain"
	FrameDrained      FrameType = "drained"
	FrameCancel       FrameType = "cancel"
)

// Frame is the envelope written to the wire as a single JSON text frame.
// Payload is re-decoded into the concrete type matching Type by the reader.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals a typed payload into a Frame ready to write to the wire.
func Encode(t FrameType, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: t, Payload: raw}, nil
}

// Decode unmarshals the Frame's payload into dst. dst must be a pointer.
func (f Frame) Decode(dst any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(f.Payload, dst)
}

// RegisterPayload is the first frame an agent sends on a new connection.
type RegisterPayload struct {
	AgentID        string   `json:"agent_id"`
	Hostname       string   `json:"hostname"`
	Addresses      []string `json:"addresses"`
	AgentVersion   string   `json:"agent_version"`
	SupportsCancel bool     `json:"supports_cancel,omitempty"`
}

// RegisteredPayload is the coordinator's reply to RegisterPayload.
// AssignedAgentID only differs from the agent's requested ID on conflict.
type RegisteredPayload struct {
	AssignedAgentID string `json:"assigned_agent_id"`
	ServerTime      string `json:"server_time"`
}

// DispatchPayload is a single HTTP job sent from coordinator to agent.
type DispatchPayload struct {
	JobID      string            `json:"job_id"`
	SourceIP   string            `json:"source_ip"`
	Method     string            `json:"method"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
	TimeoutSec float64           `json:"timeout_sec"`
}

// ResultPayload is returned by the agent on a successful dispatch.
type ResultPayload struct {
	JobID             string            `json:"job_id"`
	Status            int               `json:"status"`
	ResponseHeaders   map[string]string `json:"response_headers,omitempty"`
	ResponseBodyB64   string            `json:"response_body_b64,omitempty"`
	ElapsedSec        float64           `json:"elapsed_sec"`
	ResponseSizeBytes int64             `json:"response_size_bytes"`
}

// ErrorPayload is returned by the agent when a dispatch fails.
type ErrorPayload struct {
	JobID   string    `json:"job_id"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// HeartbeatPayload is sent periodically by the agent; it doubles as the
// vehicle for address-inventory churn so the pool stays current without a
// separate sync message.
type HeartbeatPayload struct {
	Addresses []string `json:"addresses"`
	Ts        string   `json:"ts"`
}

// AckHeartbeatPayload acknowledges a HeartbeatPayload.
type AckHeartbeatPayload struct {
	Ts string `json:"ts"`
}

// CancelPayload asks the agent to best-effort abort one in-flight dispatch.
// Only sent to agents that advertised supports_cancel at register time.
type CancelPayload struct {
	JobID string `json:"job_id"`
}
