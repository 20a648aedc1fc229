package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/waggle/pkg/events"
)

func TestActivityEventsPublished(t *testing.T) {
	bus := events.NewEventBus()
	t.Cleanup(bus.Shutdown)

	s := NewServer(Options{
		Info: ServerInfo{Name: "waggle-test", Version: "0.0.1"},
		Bus:  bus,
	})
	require.NoError(t, s.Catalog().RegisterTool(addNumbersTool()))

	var mu sync.Mutex
	counts := make(map[events.EventType]int)
	var toolEvent events.Event
	bus.SubscribeAll(func(e events.Event) {
		mu.Lock()
		counts[e.Type]++
		if e.Type == events.ToolCalled {
			toolEvent = e
		}
		mu.Unlock()
	})

	sessionID := initSession(t, s)

	rec := postMCP(t, s, sessionID, rpcRequest("tools/call", map[string]interface{}{
		"name":      "add_numbers",
		"arguments": map[string]interface{}{"a": 1, "b": 2},
	}))
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest("DELETE", "/mcp", nil)
	req.Header.Set(sessionHeader, sessionID)
	drec := httptest.NewRecorder()
	s.routes.ServeHTTP(drec, req)
	require.Equal(t, http.StatusOK, drec.Code)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts[events.SessionCreated] == 1 &&
			counts[events.ToolCalled] == 1 &&
			counts[events.SessionDeleted] == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, sessionID, toolEvent.SessionID)
	assert.Equal(t, "add_numbers", toolEvent.Data["name"])
	assert.Equal(t, "tool", toolEvent.Data["kind"])
	assert.Equal(t, "http", toolEvent.Data["transport"])
	assert.Contains(t, toolEvent.Data, "durationMs")
}

func TestActivityToolFailure(t *testing.T) {
	bus := events.NewEventBus()
	t.Cleanup(bus.Shutdown)

	s := NewServer(Options{
		Info: ServerInfo{Name: "waggle-test", Version: "0.0.1"},
		Bus:  bus,
	})
	require.NoError(t, s.Catalog().RegisterTool(Tool{
		Name:        "always_fails",
		Description: "fails for the activity feed",
		Handler: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			return nil, errors.New("backend offline")
		},
	}))

	failed := make(chan events.Event, 1)
	bus.Subscribe(events.ToolFailed, func(e events.Event) { failed <- e })

	sessionID := initSession(t, s)
	rec := postMCP(t, s, sessionID, rpcRequest("tools/call", map[string]interface{}{
		"name": "always_fails",
	}))
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeSingle(t, rec)
	require.NotNil(t, resp.Error)

	select {
	case e := <-failed:
		assert.Equal(t, "always_fails", e.Data["name"])
		assert.Equal(t, "backend offline", e.Data["error"])
	case <-time.After(2 * time.Second):
		t.Fatal("no tool.failed event arrived")
	}
}
