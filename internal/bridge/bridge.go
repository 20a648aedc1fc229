package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/waggle/internal/mcp"
	"github.com/standardbeagle/waggle/pkg/events"
)

// upstreamNamePattern keeps prefixes safe for composed tool names.
var upstreamNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

const (
	connectTimeout = 15 * time.Second
	refreshTimeout = 10 * time.Second
	pingInterval   = 30 * time.Second
)

// Notifier receives resource change notifications forwarded from
// upstreams.
type Notifier interface {
	NotifyResourceUpdated(uri string)
}

// Bridge federates upstream MCP servers into the local catalog. Tools and
// prompts are imported under a "<upstream>_" prefix and proxied on call;
// resources keep their upstream URIs. Upstream change notifications
// propagate to local subscribers.
type Bridge struct {
	catalog  *mcp.Catalog
	notifier Notifier
	bus      *events.EventBus
	logger   *zap.Logger

	upstreams []*Upstream
}

// New builds an empty bridge registering into catalog. The bus is
// optional.
func New(catalog *mcp.Catalog, notifier Notifier, bus *events.EventBus, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		catalog:  catalog,
		notifier: notifier,
		bus:      bus,
		logger:   logger,
	}
}

// AddUpstream registers an upstream by its MCP endpoint URL. The name
// becomes the import prefix, so "calc" turns an upstream "add" tool into
// "calc_add" locally.
func (b *Bridge) AddUpstream(name, url, token string) error {
	if !upstreamNamePattern.MatchString(name) {
		return fmt.Errorf("invalid upstream name %q", name)
	}
	if url == "" {
		return fmt.Errorf("upstream %q has no URL", name)
	}
	for _, u := range b.upstreams {
		if u.name == name {
			return fmt.Errorf("duplicate upstream name %q", name)
		}
	}
	b.upstreams = append(b.upstreams, &Upstream{
		name:     name,
		client:   NewClient(url, token),
		catalog:  b.catalog,
		notifier: b.notifier,
		bus:      b.bus,
		logger:   b.logger.With(zap.String("upstream", name)),
	})
	return nil
}

// Upstreams returns the registered upstreams.
func (b *Bridge) Upstreams() []*Upstream {
	return b.upstreams
}

// Run connects every upstream and keeps each connection alive until ctx
// is cancelled, reconnecting with backoff on failure.
func (b *Bridge) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, u := range b.upstreams {
		u := u
		g.Go(func() error {
			u.run(ctx)
			return nil
		})
	}
	return g.Wait()
}

// Upstream is one federated MCP server and the catalog entries imported
// from it.
type Upstream struct {
	name     string
	client   *Client
	catalog  *mcp.Catalog
	notifier Notifier
	bus      *events.EventBus
	logger   *zap.Logger

	ctx context.Context

	mu        sync.Mutex
	connected bool
	tools     []string
	prompts   []string
	resources []string
}

// Name returns the upstream's import prefix.
func (u *Upstream) Name() string {
	return u.name
}

// Connected reports whether the upstream session is currently live.
func (u *Upstream) Connected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.connected
}

func (u *Upstream) setConnected(v bool) {
	u.mu.Lock()
	u.connected = v
	u.mu.Unlock()
}

func (u *Upstream) run(ctx context.Context) {
	u.ctx = ctx
	retry := newBackoff(time.Second, 30*time.Second)
	for {
		if err := u.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			u.reportError("connect", err)
			if !sleepCtx(ctx, retry.next()) {
				return
			}
			continue
		}
		retry.reset()
		u.setConnected(true)
		u.publishConnected()

		err := u.serve(ctx)
		u.setConnected(false)
		u.retire()
		if ctx.Err() != nil {
			u.closeSession()
			return
		}
		u.reportError("stream", err)
		if !sleepCtx(ctx, retry.next()) {
			u.closeSession()
			return
		}
	}
}

// connect performs the handshake and imports the upstream's catalog.
func (u *Upstream) connect(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := u.client.Initialize(cctx); err != nil {
		return err
	}
	tools, err := u.importTools(cctx)
	if err != nil {
		return err
	}
	prompts, err := u.importPrompts(cctx)
	if err != nil {
		return err
	}
	resources, err := u.importResources(cctx)
	if err != nil {
		return err
	}
	u.subscribeResources(cctx)

	u.logger.Info("upstream connected",
		zap.Int("tools", tools),
		zap.Int("prompts", prompts),
		zap.Int("resources", resources))
	return nil
}

// serve pumps the upstream's event stream and keeps the session alive
// with pings until either fails or ctx is cancelled.
func (u *Upstream) serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return u.client.Listen(ctx, u.handleNotification)
	})
	g.Go(func() error {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := u.client.Ping(ctx); err != nil {
					return fmt.Errorf("ping: %w", err)
				}
			}
		}
	})
	return g.Wait()
}

func (u *Upstream) handleNotification(method string, params json.RawMessage) {
	switch method {
	case "notifications/resources/updated":
		var p struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.URI == "" {
			return
		}
		u.logger.Debug("forwarding resource update", zap.String("uri", p.URI))
		u.notifier.NotifyResourceUpdated(p.URI)
	case "notifications/tools/list_changed":
		u.refresh(u.importTools, "tools")
	case "notifications/prompts/list_changed":
		u.refresh(u.importPrompts, "prompts")
	case "notifications/resources/list_changed":
		u.refresh(u.importResources, "resources")
	}
}

func (u *Upstream) refresh(importFn func(context.Context) (int, error), kind string) {
	ctx, cancel := context.WithTimeout(u.ctx, refreshTimeout)
	defer cancel()
	if _, err := importFn(ctx); err != nil {
		u.logger.Warn("refresh failed", zap.String("kind", kind), zap.Error(err))
		return
	}
	if kind == "resources" {
		u.subscribeResources(ctx)
	}
}

func (u *Upstream) importTools(ctx context.Context) (int, error) {
	remote, err := u.client.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tools: %w", err)
	}

	names := make([]string, 0, len(remote))
	for _, rt := range remote {
		local := u.name + "_" + rt.Name
		err := u.catalog.RegisterTool(mcp.Tool{
			Name:         local,
			Description:  u.tag(rt.Description),
			InputSchema:  rt.InputSchema,
			OutputSchema: rt.OutputSchema,
			Handler:      u.toolHandler(rt.Name),
		})
		if err != nil {
			u.logger.Warn("skipping upstream tool",
				zap.String("tool", rt.Name), zap.Error(err))
			continue
		}
		names = append(names, local)
	}

	u.mu.Lock()
	old := u.tools
	u.tools = names
	u.mu.Unlock()
	removeStale(old, names, u.catalog.RemoveTool)
	return len(names), nil
}

func (u *Upstream) importPrompts(ctx context.Context) (int, error) {
	remote, err := u.client.ListPrompts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list prompts: %w", err)
	}

	names := make([]string, 0, len(remote))
	for _, rp := range remote {
		local := u.name + "_" + rp.Name
		err := u.catalog.RegisterPrompt(mcp.Prompt{
			Name:        local,
			Description: u.tag(rp.Description),
			Arguments:   rp.Arguments,
			Handler:     u.promptHandler(rp.Name),
		})
		if err != nil {
			u.logger.Warn("skipping upstream prompt",
				zap.String("prompt", rp.Name), zap.Error(err))
			continue
		}
		names = append(names, local)
	}

	u.mu.Lock()
	old := u.prompts
	u.prompts = names
	u.mu.Unlock()
	removeStale(old, names, u.catalog.RemovePrompt)
	return len(names), nil
}

func (u *Upstream) importResources(ctx context.Context) (int, error) {
	remote, err := u.client.ListResources(ctx)
	if err != nil {
		return 0, fmt.Errorf("list resources: %w", err)
	}

	uris := make([]string, 0, len(remote))
	for _, rr := range remote {
		name := rr.Name
		if name != "" {
			name = u.name + "_" + name
		}
		err := u.catalog.RegisterResource(mcp.Resource{
			URI:         rr.URI,
			Name:        name,
			Description: u.tag(rr.Description),
			MimeType:    rr.MimeType,
			Handler:     u.resourceHandler(rr.URI),
		})
		if err != nil {
			u.logger.Warn("skipping upstream resource",
				zap.String("uri", rr.URI), zap.Error(err))
			continue
		}
		uris = append(uris, rr.URI)
	}

	u.mu.Lock()
	old := u.resources
	u.resources = uris
	u.mu.Unlock()
	removeStale(old, uris, u.catalog.RemoveResource)
	return len(uris), nil
}

// subscribeResources registers upstream for change notifications on every
// imported resource so updates reach local subscribers.
func (u *Upstream) subscribeResources(ctx context.Context) {
	u.mu.Lock()
	uris := append([]string(nil), u.resources...)
	u.mu.Unlock()
	for _, uri := range uris {
		if err := u.client.Subscribe(ctx, uri); err != nil {
			u.logger.Warn("subscribe failed", zap.String("uri", uri), zap.Error(err))
		}
	}
}

// retire removes everything this upstream imported. Called when the
// connection is lost so clients never see tools that cannot run.
func (u *Upstream) retire() {
	u.mu.Lock()
	tools, prompts, resources := u.tools, u.prompts, u.resources
	u.tools, u.prompts, u.resources = nil, nil, nil
	u.mu.Unlock()

	for _, name := range tools {
		u.catalog.RemoveTool(name)
	}
	for _, name := range prompts {
		u.catalog.RemovePrompt(name)
	}
	for _, uri := range resources {
		u.catalog.RemoveResource(uri)
	}
}

func (u *Upstream) closeSession() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := u.client.Close(ctx); err != nil {
		u.logger.Debug("session close failed", zap.Error(err))
	}
}

func (u *Upstream) toolHandler(remoteName string) mcp.ToolHandler {
	return func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		result, err := u.client.CallTool(ctx, remoteName, args)
		if err != nil {
			return nil, u.callError(err)
		}
		return toolResultValue(result)
	}
}

func (u *Upstream) promptHandler(remoteName string) mcp.PromptHandler {
	return func(ctx context.Context, args map[string]string) (*mcp.PromptResult, error) {
		remote, err := u.client.GetPrompt(ctx, remoteName, args)
		if err != nil {
			return nil, u.callError(err)
		}
		out := &mcp.PromptResult{Description: remote.Description}
		for _, m := range remote.Messages {
			text, ok := contentText(m.Content)
			if !ok {
				continue
			}
			out.Messages = append(out.Messages, mcp.PromptMessage{
				Role:    string(m.Role),
				Content: mcp.PromptContent{Type: "text", Text: text},
			})
		}
		return out, nil
	}
}

func (u *Upstream) resourceHandler(uri string) mcp.ResourceHandler {
	return func(ctx context.Context, _ string) (string, error) {
		remote, err := u.client.ReadResource(ctx, uri)
		if err != nil {
			return "", u.callError(err)
		}
		for _, rc := range remote.Contents {
			switch c := rc.(type) {
			case mcplib.TextResourceContents:
				return c.Text, nil
			case *mcplib.TextResourceContents:
				return c.Text, nil
			case mcplib.BlobResourceContents:
				return c.Blob, nil
			case *mcplib.BlobResourceContents:
				return c.Blob, nil
			}
		}
		return "", nil
	}
}

// callError shapes an upstream failure for local callers. Invalid-params
// failures keep their code so clients can fix their arguments; everything
// else surfaces as an internal proxy failure.
func (u *Upstream) callError(err error) error {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == mcp.CodeInvalidParams {
		return mcp.InvalidParams("upstream %s: %s", u.name, rpcDetail(rpcErr))
	}
	return fmt.Errorf("upstream %s: %w", u.name, err)
}

func (u *Upstream) tag(description string) string {
	if description == "" {
		return fmt.Sprintf("[%s]", u.name)
	}
	return fmt.Sprintf("[%s] %s", u.name, description)
}

func (u *Upstream) publishConnected() {
	u.mu.Lock()
	tools, prompts, resources := len(u.tools), len(u.prompts), len(u.resources)
	u.mu.Unlock()
	if u.bus == nil {
		return
	}
	u.bus.Publish(events.Event{
		Type: events.UpstreamConnected,
		Data: map[string]interface{}{
			"upstream":  u.name,
			"tools":     tools,
			"prompts":   prompts,
			"resources": resources,
		},
	})
}

func (u *Upstream) reportError(stage string, err error) {
	u.logger.Warn("upstream failed", zap.String("stage", stage), zap.Error(err))
	if u.bus == nil {
		return
	}
	u.bus.Publish(events.Event{
		Type: events.UpstreamError,
		Data: map[string]interface{}{
			"upstream": u.name,
			"stage":    stage,
			"error":    err.Error(),
		},
	})
}

// toolResultValue unwraps an upstream call result into the value a local
// handler returns. Single text payloads carrying JSON pass through
// verbatim so numbers and objects are not re-quoted on the way out.
func toolResultValue(result *mcplib.CallToolResult) (interface{}, error) {
	text, ok := singleText(result.Content)
	if result.IsError {
		if ok {
			return nil, errors.New(text)
		}
		return nil, errors.New("upstream tool failed")
	}
	if !ok {
		return result, nil
	}
	if json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}
	return text, nil
}

func singleText(content []mcplib.Content) (string, bool) {
	if len(content) != 1 {
		return "", false
	}
	return contentText(content[0])
}

func contentText(content mcplib.Content) (string, bool) {
	switch c := content.(type) {
	case mcplib.TextContent:
		return c.Text, true
	case *mcplib.TextContent:
		return c.Text, true
	}
	return "", false
}

func rpcDetail(e *RPCError) string {
	if s, ok := e.Data.(string); ok && s != "" {
		return s
	}
	return e.Message
}

func removeStale(old, current []string, remove func(string) bool) {
	keep := make(map[string]bool, len(current))
	for _, name := range current {
		keep[name] = true
	}
	for _, name := range old {
		if !keep[name] {
			remove(name)
		}
	}
}

// sleepCtx waits for d, returning false if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
