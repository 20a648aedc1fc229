package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/standardbeagle/waggle/internal/mcp"
)

// ErrSessionExpired reports that the gateway no longer knows our session.
// Callers recover by re-initializing.
var ErrSessionExpired = errors.New("session expired")

// RPCError is a JSON-RPC error returned by the upstream.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client speaks Streamable HTTP to one MCP server: JSON-RPC over POST
// plus a GET event stream for server-initiated notifications. It tracks
// the session issued at initialize and presents it on every call.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client

	reqID atomic.Int64

	mu              sync.Mutex
	sessionID       string
	protocolVersion string
	lastEventID     string

	clientName    string
	clientVersion string
}

// NewClient builds a client for an MCP endpoint URL such as
// http://localhost:7777/mcp. An empty authToken disables auth headers.
func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		clientName:    "waggle-bridge",
		clientVersion: "1.0",
	}
}

// SessionID returns the session issued by the server, or empty before
// Initialize succeeds.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Initialize performs the MCP handshake, capturing the session and the
// negotiated protocol version, then confirms with notifications/initialized.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	c.sessionID = ""
	c.lastEventID = ""
	c.mu.Unlock()

	params := map[string]interface{}{
		"protocolVersion": "2025-03-26",
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]string{
			"name":    c.clientName,
			"version": c.clientVersion,
		},
	}
	raw, header, err := c.post(ctx, c.request("initialize", params))
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("decode initialize result: %w", err)
	}

	c.mu.Lock()
	c.sessionID = header.Get("Mcp-Session-Id")
	c.protocolVersion = result.ProtocolVersion
	c.mu.Unlock()

	note := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "notifications/initialized",
	}
	if _, _, err := c.post(ctx, note); err != nil {
		return fmt.Errorf("confirm initialize: %w", err)
	}
	return nil
}

// ListTools fetches every tool, following pagination cursors.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	var out []mcp.Tool
	cursor := ""
	for {
		raw, err := c.call(ctx, "tools/list", cursorParams(cursor))
		if err != nil {
			return nil, err
		}
		var page struct {
			Tools      []mcp.Tool `json:"tools"`
			NextCursor string     `json:"nextCursor"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("decode tools/list: %w", err)
		}
		out = append(out, page.Tools...)
		if page.NextCursor == "" {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

// ListPrompts fetches every prompt, following pagination cursors.
func (c *Client) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	var out []mcp.Prompt
	cursor := ""
	for {
		raw, err := c.call(ctx, "prompts/list", cursorParams(cursor))
		if err != nil {
			return nil, err
		}
		var page struct {
			Prompts    []mcp.Prompt `json:"prompts"`
			NextCursor string       `json:"nextCursor"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("decode prompts/list: %w", err)
		}
		out = append(out, page.Prompts...)
		if page.NextCursor == "" {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

// ListResources fetches every resource, following pagination cursors.
func (c *Client) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	var out []mcp.Resource
	cursor := ""
	for {
		raw, err := c.call(ctx, "resources/list", cursorParams(cursor))
		if err != nil {
			return nil, err
		}
		var page struct {
			Resources  []mcp.Resource `json:"resources"`
			NextCursor string         `json:"nextCursor"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("decode resources/list: %w", err)
		}
		out = append(out, page.Resources...)
		if page.NextCursor == "" {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

// CallTool invokes a tool by its upstream name.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcplib.CallToolResult, error) {
	params := map[string]interface{}{"name": name}
	if len(args) > 0 {
		params["arguments"] = args
	}
	raw, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	return mcplib.ParseCallToolResult(&raw)
}

// GetPrompt renders a prompt by its upstream name.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcplib.GetPromptResult, error) {
	params := map[string]interface{}{"name": name}
	if len(args) > 0 {
		params["arguments"] = args
	}
	raw, err := c.call(ctx, "prompts/get", params)
	if err != nil {
		return nil, err
	}
	return mcplib.ParseGetPromptResult(&raw)
}

// ReadResource reads a resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*mcplib.ReadResourceResult, error) {
	raw, err := c.call(ctx, "resources/read", map[string]string{"uri": uri})
	if err != nil {
		return nil, err
	}
	return mcplib.ParseReadResourceResult(&raw)
}

// Subscribe registers for change notifications on a resource URI.
func (c *Client) Subscribe(ctx context.Context, uri string) error {
	_, err := c.call(ctx, "resources/subscribe", map[string]string{"uri": uri})
	return err
}

// Ping checks the connection and keeps the session's idle clock fresh.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", map[string]interface{}{})
	return err
}

// Close deletes the session server-side. Safe to call without one.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.sessionID = ""
	c.mu.Unlock()
	if sessionID == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Mcp-Session-Id", sessionID)
	c.setAuth(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Listen opens the session's event stream and feeds each notification to
// onNotification until ctx is cancelled or the stream breaks. Reconnects
// resume from the last seen event ID, so no buffered events are lost.
func (c *Client) Listen(ctx context.Context, onNotification func(method string, params json.RawMessage)) error {
	c.mu.Lock()
	sessionID := c.sessionID
	protocolVersion := c.protocolVersion
	lastEventID := c.lastEventID
	c.mu.Unlock()
	if sessionID == "" {
		return errors.New("no session; initialize first")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessionID)
	if protocolVersion != "" {
		req.Header.Set("MCP-Protocol-Version", protocolVersion)
	}
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	c.setAuth(req)

	// The stream stays open indefinitely; the request-level timeout on the
	// shared client would kill it, so this request uses a bare transport.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrSessionExpired
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("event stream: HTTP %d: %s", resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var eventID, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data != "" {
				c.dispatchEvent(eventID, data, onNotification)
			}
			eventID, data = "", ""
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "id: "):
			eventID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("event stream closed: %w", err)
	}
	return ctx.Err()
}

func (c *Client) dispatchEvent(eventID, data string, onNotification func(method string, params json.RawMessage)) {
	if eventID != "" {
		c.mu.Lock()
		c.lastEventID = eventID
		c.mu.Unlock()
	}
	var msg struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return
	}
	if strings.HasPrefix(msg.Method, "notifications/") {
		onNotification(msg.Method, msg.Params)
	}
}

// call posts one JSON-RPC request and returns the raw result.
func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	raw, _, err := c.post(ctx, c.request(method, params))
	return raw, err
}

func (c *Client) request(method string, params interface{}) map[string]interface{} {
	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      c.reqID.Add(1),
		"method":  method,
	}
	if params != nil {
		req["params"] = params
	}
	return req
}

func (c *Client) post(ctx context.Context, request interface{}) (json.RawMessage, http.Header, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	c.setAuth(req)

	c.mu.Lock()
	if c.sessionID != "" {
		req.Header.Set("Mcp-Session-Id", c.sessionID)
	}
	if c.protocolVersion != "" {
		req.Header.Set("MCP-Protocol-Version", c.protocolVersion)
	}
	c.mu.Unlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return nil, resp.Header, nil
	case http.StatusNotFound:
		return nil, resp.Header, ErrSessionExpired
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, resp.Header, fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
	}

	var result struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.Header, fmt.Errorf("decode response: %w", err)
	}
	if result.Error != nil {
		return nil, resp.Header, result.Error
	}
	return result.Result, resp.Header, nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

func cursorParams(cursor string) map[string]interface{} {
	params := map[string]interface{}{}
	if cursor != "" {
		params["cursor"] = cursor
	}
	return params
}
