package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopTool(name string, cap Capability) Tool {
	return Tool{
		Name:       name,
		Capability: cap,
		Handler: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			return nil, nil
		},
	}
}

func noopResource(uri, name string) Resource {
	return Resource{
		URI:  uri,
		Name: name,
		Handler: func(ctx context.Context, u string) (string, error) {
			return "", nil
		},
	}
}

func TestRegisterToolValidation(t *testing.T) {
	c := NewCatalog()

	assert.NoError(t, c.RegisterTool(noopTool("valid_name.v2-x", 0)))
	assert.Error(t, c.RegisterTool(noopTool("", 0)), "empty name")
	assert.Error(t, c.RegisterTool(noopTool("has space", 0)), "space in name")
	assert.Error(t, c.RegisterTool(noopTool("has/slash", 0)), "slash in name")
	assert.Error(t, c.RegisterTool(noopTool(strings.Repeat("x", 129), 0)), "name too long")
	assert.Error(t, c.RegisterTool(Tool{Name: "no_handler"}), "nil handler")
}

func TestRegisterToolReplacesExisting(t *testing.T) {
	c := NewCatalog()

	first := noopTool("echo", 0)
	first.Description = "first"
	require.NoError(t, c.RegisterTool(first))

	second := noopTool("echo", 0)
	second.Description = "second"
	require.NoError(t, c.RegisterTool(second))

	tools := c.Tools(TransportHTTP)
	require.Len(t, tools, 1)
	assert.Equal(t, "second", tools[0].Description)
}

func TestToolsSortedAndFiltered(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.RegisterTool(noopTool("zeta", 0)))
	require.NoError(t, c.RegisterTool(noopTool("alpha", 0)))
	require.NoError(t, c.RegisterTool(noopTool("stream_logs", CapabilityTextStreaming)))
	require.NoError(t, c.RegisterTool(noopTool("download", CapabilityBinaryStreaming)))

	httpTools := c.Tools(TransportHTTP)
	require.Len(t, httpTools, 2)
	assert.Equal(t, "alpha", httpTools[0].Name)
	assert.Equal(t, "zeta", httpTools[1].Name)

	sseTools := c.Tools(TransportSSE)
	require.Len(t, sseTools, 3)
	assert.Equal(t, []string{"alpha", "stream_logs", "zeta"},
		[]string{sseTools[0].Name, sseTools[1].Name, sseTools[2].Name})

	wsTools := c.Tools(TransportWebSocket)
	assert.Len(t, wsTools, 4)
}

func TestToolLookupIgnoresTransport(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.RegisterTool(noopTool("download", CapabilityBinaryStreaming)))

	// Lookup still finds hidden entries; the dispatcher rejects the call
	// with a transport error instead of pretending the tool is unknown.
	tool, ok := c.ToolByName("download")
	require.True(t, ok)
	assert.Equal(t, CapabilityBinaryStreaming, tool.Capability)

	_, ok = c.ToolByName("missing")
	assert.False(t, ok)
}

func TestRemoveTool(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.RegisterTool(noopTool("echo", 0)))

	assert.True(t, c.RemoveTool("echo"))
	assert.False(t, c.RemoveTool("echo"))
	assert.Empty(t, c.Tools(TransportWebSocket))
}

func TestResourceRegistration(t *testing.T) {
	c := NewCatalog()

	assert.Error(t, c.RegisterResource(noopResource("", "noname")), "URI required")
	assert.Error(t, c.RegisterResource(Resource{URI: "file:///x"}), "handler required")
	assert.NoError(t, c.RegisterResource(noopResource("file:///x", "")), "name is optional")

	res, ok := c.ResourceByURI("file:///x")
	require.True(t, ok)
	assert.Equal(t, "file:///x", res.URI)

	_, ok = c.ResourceByURI("file:///y")
	assert.False(t, ok)
}

func TestResourcesSortedByURI(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.RegisterResource(noopResource("file:///c", "c")))
	require.NoError(t, c.RegisterResource(noopResource("file:///a", "a")))
	require.NoError(t, c.RegisterResource(noopResource("file:///b", "b")))

	resources := c.Resources(TransportHTTP)
	require.Len(t, resources, 3)
	assert.Equal(t, "file:///a", resources[0].URI)
	assert.Equal(t, "file:///c", resources[2].URI)
}

func TestResourceByNamePicksFirstInURIOrder(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.RegisterResource(noopResource("file:///b", "logs")))
	require.NoError(t, c.RegisterResource(noopResource("file:///a", "logs")))

	res, ok := c.ResourceByName("logs")
	require.True(t, ok)
	assert.Equal(t, "file:///a", res.URI, "ties break on URI order")

	_, ok = c.ResourceByName("missing")
	assert.False(t, ok)
}

func TestCatalogChangeListener(t *testing.T) {
	c := NewCatalog()

	var kinds []string
	c.SetChangeListener(func(kind string) { kinds = append(kinds, kind) })

	require.NoError(t, c.RegisterTool(noopTool("echo", 0)))
	require.NoError(t, c.RegisterPrompt(Prompt{
		Name: "greet",
		Handler: func(ctx context.Context, args map[string]string) (*PromptResult, error) {
			return &PromptResult{}, nil
		},
	}))
	require.NoError(t, c.RegisterResource(noopResource("file:///x", "x")))
	c.RemoveTool("echo")
	c.RemoveTool("echo") // absent, must not notify

	assert.Equal(t, []string{"tools", "prompts", "resources", "tools"}, kinds)
}

func TestCatalogCounts(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.RegisterTool(noopTool("a", 0)))
	require.NoError(t, c.RegisterTool(noopTool("b", 0)))
	require.NoError(t, c.RegisterResource(noopResource("file:///x", "x")))

	tools, prompts, resources := c.Counts()
	assert.Equal(t, 2, tools)
	assert.Equal(t, 0, prompts)
	assert.Equal(t, 1, resources)
}
