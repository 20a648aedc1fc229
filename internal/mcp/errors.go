package mcp

import (
	"errors"
	"fmt"
)

// Constructors for the JSON-RPC error taxonomy. Handlers may return these
// directly; any other error is wrapped as an internal error at the
// dispatcher boundary.

func errParse(detail string) *JSONRPCError {
	return &JSONRPCError{Code: CodeParseError, Message: "Parse error", Data: detail}
}

func errInvalidRequest(detail string) *JSONRPCError {
	return &JSONRPCError{Code: CodeInvalidRequest, Message: "Invalid request", Data: detail}
}

func errMethodNotFound(method string) *JSONRPCError {
	return &JSONRPCError{Code: CodeMethodNotFound, Message: "Method not found", Data: fmt.Sprintf("method %q is not registered", method)}
}

func errInternal(detail string) *JSONRPCError {
	return &JSONRPCError{Code: CodeInternalError, Message: "Internal error", Data: map[string]interface{}{"detail": detail}}
}

// InvalidParams builds the failure kind handlers use to reject bad
// arguments. It maps to JSON-RPC code -32602.
func InvalidParams(format string, args ...interface{}) *JSONRPCError {
	return &JSONRPCError{Code: CodeInvalidParams, Message: "Invalid params", Data: fmt.Sprintf(format, args...)}
}

// Unauthorized builds the failure kind an authorization hook raises to
// reject an invocation. It maps to JSON-RPC code -32002.
func Unauthorized(detail string) *JSONRPCError {
	return &JSONRPCError{Code: CodeUnauthorized, Message: "Unauthorized", Data: detail}
}

// errSessionNotFound is returned for a missing or expired session. The data
// hint tells clients how to recover.
func errSessionNotFound(sessionID string) *JSONRPCError {
	return &JSONRPCError{
		Code:    CodeTransportError,
		Message: "Session not found",
		Data:    fmt.Sprintf("session %q is unknown or expired; send initialize to obtain a new session", sessionID),
	}
}

// errStreamingUnsupported rejects invocation of a streaming-only tool over a
// transport that cannot stream.
func errStreamingUnsupported(name string, transport TransportKind) *JSONRPCError {
	return &JSONRPCError{
		Code:    CodeMethodNotFound,
		Message: fmt.Sprintf("Tool %q requires streaming, which is not supported over %s", name, transport),
	}
}

// asRPCError converts an arbitrary error into a *JSONRPCError, preserving
// codes on errors that already carry one.
func asRPCError(err error) *JSONRPCError {
	var rpcErr *JSONRPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return errInternal(err.Error())
}
