package mcp

import (
	"context"
	"time"

	"github.com/standardbeagle/waggle/pkg/events"
)

// publish posts one gateway activity event. Servers built without a bus
// skip the allocation entirely.
func (s *Server) publish(eventType events.EventType, sessionID string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Type: eventType, SessionID: sessionID, Data: data})
}

// busHooks mirrors procedure call outcomes onto the activity bus so the
// TUI and embedders see tool traffic without registering their own hooks.
type busHooks struct {
	bus *events.EventBus
}

func (b busHooks) OnInvoking(ctx context.Context, call CallInfo) error { return nil }

func (b busHooks) OnCompleted(call CallInfo, result interface{}, took time.Duration) {
	eventType := events.ToolCalled
	switch call.Kind {
	case "prompt":
		eventType = events.PromptFetched
	case "resource":
		eventType = events.ResourceRead
	}
	b.bus.Publish(events.Event{
		Type:      eventType,
		SessionID: call.SessionID,
		Data: map[string]interface{}{
			"kind":       call.Kind,
			"name":       call.Name,
			"transport":  call.Transport.String(),
			"durationMs": took.Milliseconds(),
		},
	})
}

func (b busHooks) OnFailed(call CallInfo, err error, took time.Duration) {
	b.bus.Publish(events.Event{
		Type:      events.ToolFailed,
		SessionID: call.SessionID,
		Data: map[string]interface{}{
			"kind":       call.Kind,
			"name":       call.Name,
			"transport":  call.Transport.String(),
			"durationMs": took.Milliseconds(),
			"error":      err.Error(),
		},
	})
}
