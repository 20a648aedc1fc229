package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"
)

// namePattern constrains tool and prompt names to a shell-safe charset.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// ToolHandler executes a tool call. The returned value is marshalled into
// the text content of the tools/call result.
type ToolHandler func(ctx context.Context, args json.RawMessage) (interface{}, error)

// PromptHandler renders a prompt with the given arguments.
type PromptHandler func(ctx context.Context, args map[string]string) (*PromptResult, error)

// ResourceHandler produces the text contents of a resource.
type ResourceHandler func(ctx context.Context, uri string) (string, error)

// Tool is a callable catalog entry.
type Tool struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	Capability   Capability      `json:"-"`
	// Structured opts a tool without an output schema into
	// structuredContent in its call results.
	Structured bool        `json:"-"`
	Handler    ToolHandler `json:"-"`
}

// Prompt is a renderable prompt template.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
	Capability  Capability       `json:"-"`
	Handler     PromptHandler    `json:"-"`
}

// PromptArgument describes one argument a prompt accepts.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptResult is the payload of a prompts/get response.
type PromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// PromptMessage is a single message of a rendered prompt.
type PromptMessage struct {
	Role    string        `json:"role"`
	Content PromptContent `json:"content"`
}

// PromptContent is the text body of a prompt message.
type PromptContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Resource is a readable catalog entry addressed by URI.
type Resource struct {
	URI         string          `json:"uri"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	MimeType    string          `json:"mimeType,omitempty"`
	Capability  Capability      `json:"-"`
	Handler     ResourceHandler `json:"-"`
}

// Catalog holds the registered tools, prompts and resources. All methods
// are safe for concurrent use. Registering over an existing name replaces
// the previous entry.
type Catalog struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	prompts   map[string]Prompt
	resources map[string]Resource // keyed by URI

	onChanged func(kind string)
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		tools:     make(map[string]Tool),
		prompts:   make(map[string]Prompt),
		resources: make(map[string]Resource),
	}
}

// SetChangeListener installs fn to be called with "tools", "prompts" or
// "resources" after each mutation. Replaces any previous listener.
func (c *Catalog) SetChangeListener(fn func(kind string)) {
	c.mu.Lock()
	c.onChanged = fn
	c.mu.Unlock()
}

func (c *Catalog) notify(kind string) {
	c.mu.RLock()
	fn := c.onChanged
	c.mu.RUnlock()
	if fn != nil {
		fn(kind)
	}
}

// RegisterTool adds or replaces a tool.
func (c *Catalog) RegisterTool(t Tool) error {
	if !namePattern.MatchString(t.Name) {
		return fmt.Errorf("invalid tool name %q", t.Name)
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q has no handler", t.Name)
	}
	t.Capability = t.Capability.normalize()
	c.mu.Lock()
	c.tools[t.Name] = t
	c.mu.Unlock()
	c.notify("tools")
	return nil
}

// RemoveTool deletes a tool by name and reports whether it existed.
func (c *Catalog) RemoveTool(name string) bool {
	c.mu.Lock()
	_, ok := c.tools[name]
	delete(c.tools, name)
	c.mu.Unlock()
	if ok {
		c.notify("tools")
	}
	return ok
}

// RegisterPrompt adds or replaces a prompt.
func (c *Catalog) RegisterPrompt(p Prompt) error {
	if !namePattern.MatchString(p.Name) {
		return fmt.Errorf("invalid prompt name %q", p.Name)
	}
	if p.Handler == nil {
		return fmt.Errorf("prompt %q has no handler", p.Name)
	}
	p.Capability = p.Capability.normalize()
	c.mu.Lock()
	c.prompts[p.Name] = p
	c.mu.Unlock()
	c.notify("prompts")
	return nil
}

// RemovePrompt deletes a prompt by name and reports whether it existed.
func (c *Catalog) RemovePrompt(name string) bool {
	c.mu.Lock()
	_, ok := c.prompts[name]
	delete(c.prompts, name)
	c.mu.Unlock()
	if ok {
		c.notify("prompts")
	}
	return ok
}

// RegisterResource adds or replaces a resource, keyed by URI.
func (c *Catalog) RegisterResource(r Resource) error {
	if r.URI == "" {
		return fmt.Errorf("resource %q has no URI", r.Name)
	}
	if r.Name != "" && !namePattern.MatchString(r.Name) {
		return fmt.Errorf("invalid resource name %q", r.Name)
	}
	if r.Handler == nil {
		return fmt.Errorf("resource %q has no handler", r.URI)
	}
	r.Capability = r.Capability.normalize()
	c.mu.Lock()
	c.resources[r.URI] = r
	c.mu.Unlock()
	c.notify("resources")
	return nil
}

// RemoveResource deletes a resource by URI and reports whether it existed.
func (c *Catalog) RemoveResource(uri string) bool {
	c.mu.Lock()
	_, ok := c.resources[uri]
	delete(c.resources, uri)
	c.mu.Unlock()
	if ok {
		c.notify("resources")
	}
	return ok
}

// Tools returns the tools visible on transport t, sorted by name.
func (c *Catalog) Tools(t TransportKind) []Tool {
	c.mu.RLock()
	out := make([]Tool, 0, len(c.tools))
	for _, tool := range c.tools {
		if visibleOn(tool.Capability, t) {
			out = append(out, tool)
		}
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Prompts returns the prompts visible on transport t, sorted by name.
func (c *Catalog) Prompts(t TransportKind) []Prompt {
	c.mu.RLock()
	out := make([]Prompt, 0, len(c.prompts))
	for _, p := range c.prompts {
		if visibleOn(p.Capability, t) {
			out = append(out, p)
		}
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resources returns the resources visible on transport t, sorted by URI.
func (c *Catalog) Resources(t TransportKind) []Resource {
	c.mu.RLock()
	out := make([]Resource, 0, len(c.resources))
	for _, r := range c.resources {
		if visibleOn(r.Capability, t) {
			out = append(out, r)
		}
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// ToolByName looks up a tool by exact name.
func (c *Catalog) ToolByName(name string) (Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tools[name]
	return t, ok
}

// PromptByName looks up a prompt by exact name.
func (c *Catalog) PromptByName(name string) (Prompt, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prompts[name]
	return p, ok
}

// ResourceByURI looks up a resource by exact URI.
func (c *Catalog) ResourceByURI(uri string) (Resource, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.resources[uri]
	return r, ok
}

// ResourceByName looks up a resource by its display name. Names are not
// required to be unique across resources; the first match in URI order
// wins so lookups stay deterministic.
func (c *Catalog) ResourceByName(name string) (Resource, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var found Resource
	var ok bool
	for _, r := range c.resources {
		if r.Name != name {
			continue
		}
		if !ok || r.URI < found.URI {
			found, ok = r, true
		}
	}
	return found, ok
}

// Counts reports how many entries of each kind are registered. Used to
// decide which capability blocks an initialize response advertises.
func (c *Catalog) Counts() (tools, prompts, resources int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tools), len(c.prompts), len(c.resources)
}
