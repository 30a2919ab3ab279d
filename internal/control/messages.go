package control

import "encoding/json"

// Message types spoken over the control channel. The daemon and its
// operator console exchange JSON frames over a local websocket.
const (
	// Client -> daemon.
	TypeIntent           = "intent"
	TypeApprovalResponse = "approval_response"
	TypeStatusRequest    = "status"
	TypePing             = "ping"

	// Daemon -> client.
	TypeConnected       = "connected"
	TypeResponse        = "response"
	TypeApprovalRequest = "approval_request"
	TypeTelemetry       = "telemetry"
	TypeStatus          = "status"
	TypePong            = "pong"
	TypeError           = "error"
)

// ClientMessage is a frame received from an operator console.
type ClientMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Intent    string `json:"intent,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Approved  bool   `json:"approved,omitempty"`
}

// ServerMessage is a frame sent to an operator console.
type ServerMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
	Error     string          `json:"error,omitempty"`
}
