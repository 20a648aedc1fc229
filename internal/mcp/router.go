package mcp

import "go.uber.org/zap"

// router fans server-initiated notifications out to the transports:
// session SSE streams (with replay IDs), legacy sessionless streams (with
// global IDs) and WebSocket connections (no IDs).
type router struct {
	sessions *sessionRegistry
	streams  *streamRegistry
	subs     *subscriptionRegistry
	ws       *wsRegistry
	logger   *zap.Logger
}

func newRouter(sessions *sessionRegistry, streams *streamRegistry, subs *subscriptionRegistry, ws *wsRegistry, logger *zap.Logger) *router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &router{
		sessions: sessions,
		streams:  streams,
		subs:     subs,
		ws:       ws,
		logger:   logger,
	}
}

// resourceUpdated notifies exactly the subscribers of uri. An empty uri
// degrades to a broadcast. Subscriber IDs resolve to either a session (SSE
// delivery) or a WebSocket connection.
func (rt *router) resourceUpdated(uri string) {
	if uri == "" {
		rt.broadcast("notifications/resources/updated", nil, nil)
		return
	}
	subscribers := rt.subs.subscribers(uri)
	if len(subscribers) == 0 {
		return
	}
	note := newNotification("notifications/resources/updated", map[string]string{"uri": uri})
	data := mustMarshal(note)

	for _, id := range subscribers {
		if sess, ok := rt.sessions.peek(id); ok {
			rt.streams.deliver(sess, "message", data)
			continue
		}
		if rt.ws != nil && rt.ws.sendToConn(id, note) {
			continue
		}
		// Subscriber vanished between expiry cleanup and now; the next
		// sweep removes the dangling entry.
		rt.logger.Debug("dropping update for unknown subscriber",
			zap.String("subscriber", id), zap.String("uri", uri))
	}
}

// listChanged broadcasts the list_changed notification for a catalog kind
// ("tools", "prompts" or "resources") to every connected client.
func (rt *router) listChanged(kind string) {
	rt.broadcast("notifications/"+kind+"/list_changed", nil, nil)
}

// logMessage broadcasts a notifications/message event, honoring each
// session's logging/setLevel floor. Legacy streams and WebSocket clients
// have no level state and receive everything.
func (rt *router) logMessage(level, loggerName string, data interface{}) {
	params := map[string]interface{}{
		"level": level,
		"data":  data,
	}
	if loggerName != "" {
		params["logger"] = loggerName
	}
	rt.broadcast("notifications/message", params, func(s *Session) bool {
		return s.allowsLevel(level)
	})
}

// broadcast delivers a notification to all sessions passing the allow
// filter (nil allows all), plus the legacy streams and every WebSocket
// connection.
func (rt *router) broadcast(method string, params interface{}, allow func(*Session) bool) {
	note := newNotification(method, params)
	data := mustMarshal(note)

	for _, sess := range rt.sessions.all() {
		if allow != nil && !allow(sess) {
			continue
		}
		rt.streams.deliver(sess, "message", data)
	}
	rt.streams.broadcastLegacy("message", data)
	if rt.ws != nil {
		rt.ws.broadcast(note)
	}
}
