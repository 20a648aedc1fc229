package mcp

import (
	"bytes"
	"encoding/json"
)

// JSON-RPC 2.0 protocol version
const jsonrpcVersion = "2.0"

// JSON-RPC 2.0 error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// Transport-layer codes
	CodeTransportError  = -32000
	CodeVersionMismatch = -32001
	CodeUnauthorized    = -32002
)

// JSONRPCMessage is a JSON-RPC 2.0 envelope. The message kind is tagged by
// field presence: a request has a method and an id, a notification has a
// method and no id, a response has a result or an error.
type JSONRPCMessage struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	return e.Message
}

// IsRequest reports whether the envelope is a request expecting a response.
func (m *JSONRPCMessage) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsNotification reports whether the envelope is a notification (no id).
func (m *JSONRPCMessage) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// IsResponse reports whether the envelope carries a result or error.
func (m *JSONRPCMessage) IsResponse() bool {
	return m.Method == "" && (m.Result != nil || m.Error != nil)
}

// validate checks the structural rules for an inbound envelope. A nil return
// means the envelope is a well-formed request or notification.
func (m *JSONRPCMessage) validate() *JSONRPCError {
	if m.Jsonrpc != jsonrpcVersion {
		return errInvalidRequest("jsonrpc must be \"2.0\"")
	}
	if m.Method == "" {
		return errInvalidRequest("method is required")
	}
	switch m.ID.(type) {
	case nil, string, float64, json.Number:
	default:
		return errInvalidRequest("id must be a string or number")
	}
	return nil
}

// newResult builds a success response echoing the request id.
func newResult(id interface{}, result interface{}) *JSONRPCMessage {
	return &JSONRPCMessage{
		Jsonrpc: jsonrpcVersion,
		ID:      id,
		Result:  result,
	}
}

// newError builds an error response echoing the request id.
func newError(id interface{}, code int, message string, data interface{}) *JSONRPCMessage {
	return &JSONRPCMessage{
		Jsonrpc: jsonrpcVersion,
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// nullID serializes as a JSON null id, used on parse-error responses where
// the request id could not be recovered.
var nullID = json.RawMessage("null")

// newNotification builds an outbound notification envelope.
func newNotification(method string, params interface{}) *JSONRPCMessage {
	msg := &JSONRPCMessage{
		Jsonrpc: jsonrpcVersion,
		Method:  method,
	}
	if params != nil {
		msg.Params = mustMarshal(params)
	}
	return msg
}

// decodeMessages parses a request body as either a single envelope or a
// batch array. batch reports which form the client sent so the transport can
// mirror it in the response shape.
func decodeMessages(body []byte) (msgs []JSONRPCMessage, batch bool, err error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(body, &msgs); err != nil {
			return nil, true, err
		}
		return msgs, true, nil
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, false, err
	}
	return []JSONRPCMessage{msg}, false, nil
}
