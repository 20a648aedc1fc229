package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/waggle/pkg/pagination"
)

// latestProtocolVersion is what initialize advertises unless overridden by
// the MCP_PROTOCOL_VERSION environment variable.
const latestProtocolVersion = "2025-11-25"

// assumedProtocolVersion is applied when a request carries no
// MCP-Protocol-Version header, matching clients that predate the header.
const assumedProtocolVersion = "2025-03-26"

var supportedProtocolVersions = []string{"2025-11-25", "2025-06-18", "2025-03-26"}

func protocolVersionSupported(v string) bool {
	for _, s := range supportedProtocolVersions {
		if s == v {
			return true
		}
	}
	return false
}

// negotiatedProtocolVersion resolves the version initialize responds with.
func negotiatedProtocolVersion() string {
	if v := os.Getenv("MCP_PROTOCOL_VERSION"); v != "" {
		return v
	}
	return latestProtocolVersion
}

// ServerInfo names this server in initialize responses.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities advertises the catalog kinds that have at least one
// entry. Empty kinds are omitted entirely.
type ServerCapabilities struct {
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Logging   *LoggingCapability   `json:"logging,omitempty"`
}

type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

type LoggingCapability struct{}

// InitializeParams is the client half of the initialize handshake.
type InitializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ClientInfo      *ClientInfo     `json:"clientInfo,omitempty"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
}

type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the server half of the initialize handshake.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
}

// ToolResult is the envelope of a tools/call response.
type ToolResult struct {
	Content           []ToolContent   `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
}

type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ResourceContents is one entry of a resources/read response.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text"`
}

// callContext carries the transport-level identity of one inbound message
// through the dispatcher.
type callContext struct {
	transport TransportKind
	// session is non-nil for requests bound to an initialized session.
	session *Session
	// subscriberID identifies this client in the subscription registry:
	// the session ID over HTTP, the connection ID over WebSocket.
	subscriberID string
	// streamer is set on WebSocket connections so streaming tools can
	// open outbound streams.
	streamer Streamer
}

// dispatcher executes JSON-RPC methods against the catalog. It is
// transport-agnostic; the HTTP and WebSocket layers feed it decoded
// messages.
type dispatcher struct {
	catalog         *Catalog
	subs            *subscriptionRegistry
	hooks           *hookRunner
	info            ServerInfo
	protocolVersion string
	logger          *zap.Logger
}

func newDispatcher(catalog *Catalog, subs *subscriptionRegistry, hooks *hookRunner, info ServerInfo, logger *zap.Logger) *dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &dispatcher{
		catalog:         catalog,
		subs:            subs,
		hooks:           hooks,
		info:            info,
		protocolVersion: negotiatedProtocolVersion(),
		logger:          logger,
	}
}

// dispatch executes one message and returns the response, or nil when the
// message is a notification.
func (d *dispatcher) dispatch(ctx context.Context, call callContext, msg *JSONRPCMessage) *JSONRPCMessage {
	if verr := msg.validate(); verr != nil {
		id := msg.ID
		if id == nil {
			id = nullID
		}
		return &JSONRPCMessage{Jsonrpc: jsonrpcVersion, ID: id, Error: verr}
	}

	if msg.IsNotification() {
		d.handleNotification(msg)
		return nil
	}

	result, rpcErr := d.call(ctx, call, msg)
	if rpcErr != nil {
		return &JSONRPCMessage{Jsonrpc: jsonrpcVersion, ID: msg.ID, Error: rpcErr}
	}
	return newResult(msg.ID, result)
}

// handleNotification absorbs client notifications. Notifications never
// produce responses, even on failure.
func (d *dispatcher) handleNotification(msg *JSONRPCMessage) {
	switch msg.Method {
	case "notifications/initialized":
		d.logger.Debug("client initialized")
	default:
		d.logger.Debug("ignoring notification", zap.String("method", msg.Method))
	}
}

func (d *dispatcher) call(ctx context.Context, call callContext, msg *JSONRPCMessage) (interface{}, *JSONRPCError) {
	switch msg.Method {
	case "initialize":
		return d.handleInitialize(call, msg.Params)
	case "ping":
		return struct{}{}, nil
	case "tools/list":
		return d.handleToolsList(call, msg.Params)
	case "tools/call":
		return d.handleToolCall(ctx, call, msg.Params)
	case "prompts/list":
		return d.handlePromptsList(call, msg.Params)
	case "prompts/get":
		return d.handlePromptGet(ctx, call, msg.Params)
	case "resources/list":
		return d.handleResourcesList(call, msg.Params)
	case "resources/read":
		return d.handleResourceRead(ctx, call, msg.Params)
	case "resources/subscribe":
		return d.handleSubscribe(call, msg.Params, true)
	case "resources/unsubscribe":
		return d.handleSubscribe(call, msg.Params, false)
	case "logging/setLevel":
		return d.handleSetLevel(call, msg.Params)
	default:
		return d.dispatchDirect(ctx, call, msg)
	}
}

func (d *dispatcher) handleInitialize(call callContext, params json.RawMessage) (interface{}, *JSONRPCError) {
	var p InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, InvalidParams("malformed initialize params: %v", err)
		}
	}
	if p.ClientInfo != nil {
		d.logger.Info("client connected",
			zap.String("client", p.ClientInfo.Name),
			zap.String("clientVersion", p.ClientInfo.Version),
			zap.String("requestedVersion", p.ProtocolVersion))
	}
	if call.session != nil {
		call.session.setProtocolVersion(d.protocolVersion)
	}

	tools, prompts, resources := d.catalog.Counts()
	caps := ServerCapabilities{Logging: &LoggingCapability{}}
	if tools > 0 {
		caps.Tools = &ToolsCapability{ListChanged: true}
	}
	if prompts > 0 {
		caps.Prompts = &PromptsCapability{ListChanged: true}
	}
	if resources > 0 {
		caps.Resources = &ResourcesCapability{Subscribe: true, ListChanged: true}
	}

	return InitializeResult{
		ProtocolVersion: d.protocolVersion,
		Capabilities:    caps,
		ServerInfo:      d.info,
	}, nil
}

type listParams struct {
	Cursor   string `json:"cursor,omitempty"`
	PageSize int    `json:"pageSize,omitempty"`
}

func decodeListParams(params json.RawMessage) (listParams, *JSONRPCError) {
	var p listParams
	if len(params) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return p, InvalidParams("malformed list params: %v", err)
	}
	return p, nil
}

func (d *dispatcher) handleToolsList(call callContext, params json.RawMessage) (interface{}, *JSONRPCError) {
	p, perr := decodeListParams(params)
	if perr != nil {
		return nil, perr
	}
	tools := d.catalog.Tools(call.transport)
	start, end, next := pagination.Page(len(tools), pagination.Decode(p.Cursor), p.PageSize)

	result := map[string]interface{}{"tools": tools[start:end]}
	if next != "" {
		result["nextCursor"] = next
	}
	return result, nil
}

func (d *dispatcher) handlePromptsList(call callContext, params json.RawMessage) (interface{}, *JSONRPCError) {
	p, perr := decodeListParams(params)
	if perr != nil {
		return nil, perr
	}
	prompts := d.catalog.Prompts(call.transport)
	start, end, next := pagination.Page(len(prompts), pagination.Decode(p.Cursor), p.PageSize)

	result := map[string]interface{}{"prompts": prompts[start:end]}
	if next != "" {
		result["nextCursor"] = next
	}
	return result, nil
}

func (d *dispatcher) handleResourcesList(call callContext, params json.RawMessage) (interface{}, *JSONRPCError) {
	p, perr := decodeListParams(params)
	if perr != nil {
		return nil, perr
	}
	resources := d.catalog.Resources(call.transport)
	start, end, next := pagination.Page(len(resources), pagination.Decode(p.Cursor), p.PageSize)

	result := map[string]interface{}{"resources": resources[start:end]}
	if next != "" {
		result["nextCursor"] = next
	}
	return result, nil
}

func (d *dispatcher) handleToolCall(ctx context.Context, call callContext, params json.RawMessage) (interface{}, *JSONRPCError) {
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, InvalidParams("malformed tools/call params: %v", err)
	}
	tool, ok := d.catalog.ToolByName(p.Name)
	if !ok {
		return nil, &JSONRPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("Tool not found: %s", p.Name)}
	}
	return d.invokeTool(ctx, call, tool, p.Arguments)
}

func (d *dispatcher) invokeTool(ctx context.Context, call callContext, tool Tool, args json.RawMessage) (interface{}, *JSONRPCError) {
	if !callableOn(tool.Capability, call.transport) {
		return nil, errStreamingUnsupported(tool.Name, call.transport)
	}
	if call.streamer != nil {
		ctx = withStreamer(ctx, call.streamer)
	}

	info := CallInfo{Kind: "tool", Name: tool.Name, SessionID: call.sessionID(), Transport: call.transport}
	raw, rpcErr := d.runHooked(ctx, info, func(ctx context.Context) (interface{}, error) {
		return tool.Handler(ctx, args)
	})
	if rpcErr != nil {
		return nil, rpcErr
	}
	return wrapToolResult(tool, raw), nil
}

// wrapToolResult builds the tools/call envelope: the JSON rendering of the
// handler's return value as text content, plus structuredContent for tools
// that declare an output schema or opt in.
func wrapToolResult(tool Tool, raw interface{}) ToolResult {
	data := mustMarshal(raw)
	result := ToolResult{
		Content: []ToolContent{{Type: "text", Text: string(data)}},
	}
	if len(tool.OutputSchema) > 0 || tool.Structured {
		if isJSONObject(data) {
			result.StructuredContent = data
		} else {
			result.StructuredContent = mustMarshal(map[string]json.RawMessage{"result": data})
		}
	}
	return result
}

func isJSONObject(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func (d *dispatcher) handlePromptGet(ctx context.Context, call callContext, params json.RawMessage) (interface{}, *JSONRPCError) {
	var p struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, InvalidParams("malformed prompts/get params: %v", err)
	}
	prompt, ok := d.catalog.PromptByName(p.Name)
	if !ok {
		return nil, InvalidParams("unknown prompt %q", p.Name)
	}
	return d.invokePrompt(ctx, call, prompt, p.Arguments)
}

func (d *dispatcher) invokePrompt(ctx context.Context, call callContext, prompt Prompt, args map[string]string) (interface{}, *JSONRPCError) {
	if !callableOn(prompt.Capability, call.transport) {
		return nil, errStreamingUnsupported(prompt.Name, call.transport)
	}
	for _, arg := range prompt.Arguments {
		if arg.Required {
			if _, ok := args[arg.Name]; !ok {
				return nil, InvalidParams("prompt %q requires argument %q", prompt.Name, arg.Name)
			}
		}
	}

	info := CallInfo{Kind: "prompt", Name: prompt.Name, SessionID: call.sessionID(), Transport: call.transport}
	return d.runHooked(ctx, info, func(ctx context.Context) (interface{}, error) {
		return prompt.Handler(ctx, args)
	})
}

func (d *dispatcher) handleResourceRead(ctx context.Context, call callContext, params json.RawMessage) (interface{}, *JSONRPCError) {
	var p struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, InvalidParams("malformed resources/read params: %v", err)
	}
	res, ok := d.catalog.ResourceByURI(p.URI)
	if !ok {
		return nil, InvalidParams("unknown resource %q", p.URI)
	}
	return d.invokeResource(ctx, call, res)
}

func (d *dispatcher) invokeResource(ctx context.Context, call callContext, res Resource) (interface{}, *JSONRPCError) {
	if !callableOn(res.Capability, call.transport) {
		return nil, errStreamingUnsupported(res.Name, call.transport)
	}

	info := CallInfo{Kind: "resource", Name: res.URI, SessionID: call.sessionID(), Transport: call.transport}
	text, rpcErr := d.runHooked(ctx, info, func(ctx context.Context) (interface{}, error) {
		return res.Handler(ctx, res.URI)
	})
	if rpcErr != nil {
		return nil, rpcErr
	}
	return map[string]interface{}{
		"contents": []ResourceContents{{
			URI:      res.URI,
			MimeType: res.MimeType,
			Text:     text.(string),
		}},
	}, nil
}

func (d *dispatcher) handleSubscribe(call callContext, params json.RawMessage, subscribe bool) (interface{}, *JSONRPCError) {
	var p struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, InvalidParams("malformed subscribe params: %v", err)
	}
	if call.subscriberID == "" {
		return nil, &JSONRPCError{Code: CodeTransportError, Message: "Subscriptions require a session"}
	}

	if subscribe {
		if _, ok := d.catalog.ResourceByURI(p.URI); !ok {
			return nil, InvalidParams("unknown resource %q", p.URI)
		}
		if d.subs.subscribe(call.subscriberID, p.URI) {
			d.logger.Debug("subscribed",
				zap.String("subscriber", call.subscriberID), zap.String("uri", p.URI))
		}
	} else {
		if d.subs.unsubscribe(call.subscriberID, p.URI) {
			d.logger.Debug("unsubscribed",
				zap.String("subscriber", call.subscriberID), zap.String("uri", p.URI))
		}
	}
	return struct{}{}, nil
}

func (d *dispatcher) handleSetLevel(call callContext, params json.RawMessage) (interface{}, *JSONRPCError) {
	var p struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, InvalidParams("malformed logging/setLevel params: %v", err)
	}
	if _, ok := logSeverity[p.Level]; !ok {
		return nil, InvalidParams("unknown log level %q", p.Level)
	}
	if call.session == nil {
		return nil, &JSONRPCError{Code: CodeTransportError, Message: "logging/setLevel requires a session"}
	}
	call.session.setLogLevel(p.Level)
	return struct{}{}, nil
}

// dispatchDirect resolves an unrecognized method name against the catalog:
// tools first, then prompts, then resources by display name. The request
// params are passed straight through as the entry's arguments.
func (d *dispatcher) dispatchDirect(ctx context.Context, call callContext, msg *JSONRPCMessage) (interface{}, *JSONRPCError) {
	if tool, ok := d.catalog.ToolByName(msg.Method); ok {
		return d.invokeTool(ctx, call, tool, msg.Params)
	}
	if prompt, ok := d.catalog.PromptByName(msg.Method); ok {
		var args map[string]string
		if len(msg.Params) > 0 {
			if err := json.Unmarshal(msg.Params, &args); err != nil {
				return nil, InvalidParams("malformed prompt arguments: %v", err)
			}
		}
		return d.invokePrompt(ctx, call, prompt, args)
	}
	if res, ok := d.catalog.ResourceByName(msg.Method); ok {
		return d.invokeResource(ctx, call, res)
	}
	return nil, errMethodNotFound(msg.Method)
}

// runHooked wraps a user procedure with the lifecycle hooks: OnInvoking
// may veto, OnCompleted and OnFailed observe the outcome asynchronously.
func (d *dispatcher) runHooked(ctx context.Context, info CallInfo, fn func(context.Context) (interface{}, error)) (interface{}, *JSONRPCError) {
	start := time.Now()
	if err := d.hooks.invoking(ctx, info); err != nil {
		d.hooks.failed(info, err, time.Since(start))
		return nil, asRPCError(err)
	}

	result, err := fn(ctx)
	took := time.Since(start)
	if err != nil {
		d.hooks.failed(info, err, took)
		return nil, asRPCError(err)
	}
	d.hooks.completed(info, result, took)
	return result, nil
}

func (c callContext) sessionID() string {
	if c.session == nil {
		return ""
	}
	return c.session.ID
}
