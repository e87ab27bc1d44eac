// Package protocol defines the gateway WebSocket wire protocol: JSON frames,
// event and method names, scopes, and stable error codes. It is shared by the
// server, the embedded WebChat channel, and the CLI client.
package protocol

import "encoding/json"

// ProtocolVersion is the highest protocol revision this build speaks.
// Negotiated during connect: min(server max, client max).
const ProtocolVersion = 2

// Frame type discriminators.
const (
	FrameReq   = "req"
	FrameRes   = "res"
	FrameEvent = "event"
)

// RequestFrame is a client→server method call.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame is the server→client reply to a RequestFrame.
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// EventFrame is a server→client push.
type EventFrame struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// Error is the wire error shape carried in failed responses.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// Stable error codes.
const (
	ErrForbidden          = "forbidden"
	ErrNotConnected       = "not_connected"
	ErrUnknownMethod      = "unknown_method"
	ErrInvalidParams      = "invalid_params"
	ErrSessionBusy        = "session_busy"
	ErrChannelUnavailable = "channel_unavailable"
	ErrToolDenied         = "tool_denied"
	ErrProviderError      = "provider_error"
	ErrInternal           = "internal_error"
	ErrNotFound           = "not_found"
	ErrRateLimited        = "rate_limited"
)

// NewError builds a wire error with the given stable code.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: code == ErrSessionBusy || code == ErrProviderError || code == ErrRateLimited}
}

// NewRequest builds a request frame.
func NewRequest(id, method string, params json.RawMessage) *RequestFrame {
	return &RequestFrame{Type: FrameReq, ID: id, Method: method, Params: params}
}

// NewResponse builds a successful response frame.
func NewResponse(id string, payload interface{}) *ResponseFrame {
	return &ResponseFrame{Type: FrameRes, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds a failed response frame.
func NewErrorResponse(id string, err *Error) *ResponseFrame {
	return &ResponseFrame{Type: FrameRes, ID: id, OK: false, Error: err}
}

// NewEvent builds an event frame.
func NewEvent(event string, payload interface{}) *EventFrame {
	return &EventFrame{Type: FrameEvent, Event: event, Payload: payload}
}

// ConnectParams is the payload of the mandatory first request.
type ConnectParams struct {
	ClientInfo  string   `json:"client_info"`
	MaxProtocol int      `json:"max_protocol"`
	Role        string   `json:"role,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
	Token       string   `json:"token,omitempty"`
}

// ConnectResult is the handshake reply payload.
type ConnectResult struct {
	Protocol     int      `json:"protocol"`
	ConnectionID string   `json:"connection_id"`
	Scopes       []string `json:"scopes"`
}
