package mcp

import (
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/standardbeagle/waggle/pkg/events"
)

const (
	sessionHeader  = "Mcp-Session-Id"
	protocolHeader = "MCP-Protocol-Version"
	maxBodySize    = 4 << 20
)

// checkProtocolVersion enforces the MCP-Protocol-Version header. A missing
// header is accepted as the pre-header protocol revision; an unsupported
// value is rejected before dispatch.
func (s *Server) checkProtocolVersion(w http.ResponseWriter, r *http.Request) bool {
	v := r.Header.Get(protocolHeader)
	if v == "" || protocolVersionSupported(v) {
		return true
	}
	writeJSON(w, http.StatusBadRequest, newError(nullID, CodeVersionMismatch,
		"Unsupported protocol version", map[string]interface{}{
			"requested": v,
			"supported": supportedProtocolVersions,
		}))
	return false
}

func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.authorized(r) {
		return true
	}
	writeJSON(w, http.StatusUnauthorized, newError(nullID, CodeUnauthorized, "Unauthorized", nil))
	return false
}

// handleMCPPost accepts a single JSON-RPC envelope or a batch. The
// response shape mirrors the request: object for object, array for array,
// 204 when only notifications were sent.
func (s *Server) handleMCPPost(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	if !s.checkProtocolVersion(w, r) {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	msgs, batch, err := decodeMessages(body)
	if err != nil {
		writeJSON(w, http.StatusOK, &JSONRPCMessage{Jsonrpc: jsonrpcVersion, ID: nullID, Error: errParse(err.Error())})
		return
	}
	if len(msgs) == 0 {
		writeJSON(w, http.StatusOK, &JSONRPCMessage{Jsonrpc: jsonrpcVersion, ID: nullID, Error: errInvalidRequest("empty batch")})
		return
	}

	sessionID := r.Header.Get(sessionHeader)
	sess, ok := s.sessions.get(sessionID)
	if !ok {
		// Only an initialize request may proceed without a live session;
		// it mints a fresh one even when the client sent a stale id.
		if !containsInitialize(msgs) {
			s.respondSessionError(w, msgs, batch, sessionID)
			return
		}
		sess = s.sessions.create()
		s.publish(events.SessionCreated, sess.ID, map[string]interface{}{"transport": "http"})
	}
	w.Header().Set(sessionHeader, sess.ID)

	call := callContext{
		transport:    TransportHTTP,
		session:      sess,
		subscriberID: sess.ID,
	}
	responses := make([]*JSONRPCMessage, 0, len(msgs))
	for i := range msgs {
		if resp := s.dispatcher.dispatch(r.Context(), call, &msgs[i]); resp != nil {
			responses = append(responses, resp)
		}
	}

	if len(responses) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if batch {
		writeJSON(w, http.StatusOK, responses)
		return
	}
	writeJSON(w, http.StatusOK, responses[0])
}

func containsInitialize(msgs []JSONRPCMessage) bool {
	for i := range msgs {
		if msgs[i].Method == "initialize" && msgs[i].IsRequest() {
			return true
		}
	}
	return false
}

// respondSessionError answers 404 with a re-init hint, mirroring the
// request shape like a successful dispatch would.
func (s *Server) respondSessionError(w http.ResponseWriter, msgs []JSONRPCMessage, batch bool, sessionID string) {
	if !batch {
		id := msgs[0].ID
		if id == nil {
			id = nullID
		}
		writeJSON(w, http.StatusNotFound, &JSONRPCMessage{Jsonrpc: jsonrpcVersion, ID: id, Error: errSessionNotFound(sessionID)})
		return
	}

	out := make([]*JSONRPCMessage, 0, len(msgs))
	for i := range msgs {
		if msgs[i].IsRequest() {
			out = append(out, &JSONRPCMessage{Jsonrpc: jsonrpcVersion, ID: msgs[i].ID, Error: errSessionNotFound(sessionID)})
		}
	}
	if len(out) == 0 {
		writeJSON(w, http.StatusNotFound, &JSONRPCMessage{Jsonrpc: jsonrpcVersion, ID: nullID, Error: errSessionNotFound(sessionID)})
		return
	}
	writeJSON(w, http.StatusNotFound, out)
}

// handleMCPGet opens the session's SSE stream, replaying buffered events
// when the client resumes with Last-Event-ID.
func (s *Server) handleMCPGet(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	if !s.checkProtocolVersion(w, r) {
		return
	}

	sessionID := r.Header.Get(sessionHeader)
	sess, ok := s.sessions.get(sessionID)
	if !ok {
		writeJSON(w, http.StatusNotFound, &JSONRPCMessage{Jsonrpc: jsonrpcVersion, ID: nullID, Error: errSessionNotFound(sessionID)})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(sessionHeader, sess.ID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream := newSSEStream(sess.ID, w, flusher)

	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		if _, _, ok := parseEventID(lastID); !ok {
			s.logger.Debug("malformed Last-Event-ID, replaying full buffer",
				zap.String("session", sess.ID), zap.String("lastEventId", lastID))
		}
		for _, e := range sess.replayAfter(lastID) {
			if err := stream.send(e); err != nil {
				return
			}
		}
	}

	s.streams.attach(stream)
	s.publish(events.StreamOpened, sess.ID, map[string]interface{}{"transport": "sse"})
	defer func() {
		s.streams.detach(stream)
		s.publish(events.StreamClosed, sess.ID, map[string]interface{}{"transport": "sse"})
	}()

	select {
	case <-r.Context().Done():
	case <-stream.done:
	}
}

// handleMCPDelete removes the session along with its buffer, streams and
// subscriptions.
func (s *Server) handleMCPDelete(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	if !s.checkProtocolVersion(w, r) {
		return
	}

	sessionID := r.Header.Get(sessionHeader)
	if _, ok := s.sessions.remove(sessionID); !ok {
		writeJSON(w, http.StatusNotFound, &JSONRPCMessage{Jsonrpc: jsonrpcVersion, ID: nullID, Error: errSessionNotFound(sessionID)})
		return
	}
	s.logger.Debug("session deleted", zap.String("session", sessionID))
	s.publish(events.SessionDeleted, sessionID, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
