package mcp

import (
	"io"
	"net/http"

	"github.com/standardbeagle/waggle/pkg/events"
)

// handleLegacyRPC serves stateless JSON-RPC for clients that never adopted
// sessions. No session is created or required; methods that need one
// report a transport error.
func (s *Server) handleLegacyRPC(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
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

	call := callContext{transport: TransportHTTP}
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

// handleLegacySSE opens a sessionless broadcast stream. Events carry
// global counter IDs and are not buffered, so there is no replay.
func (s *Server) handleLegacySSE(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
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
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream := newSSEStream("", w, flusher)
	if err := stream.comment("connected"); err != nil {
		return
	}

	s.streams.attachLegacy(stream)
	s.publish(events.StreamOpened, "", map[string]interface{}{"transport": "legacy-sse"})
	defer func() {
		s.streams.detach(stream)
		s.publish(events.StreamClosed, "", map[string]interface{}{"transport": "legacy-sse"})
	}()

	select {
	case <-r.Context().Done():
	case <-stream.done:
	}
}
