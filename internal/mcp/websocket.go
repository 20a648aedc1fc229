package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/standardbeagle/waggle/pkg/events"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 4 << 20
)

// binaryBufPool recycles read buffers for binary frames. Payloads handed
// to chunk callbacks alias these buffers and are only valid during the
// callback.
var binaryBufPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

// wsConn is one upgraded WebSocket connection. All writes go through the
// write mutex so concurrent handlers and the ping ticker never interleave
// frames.
type wsConn struct {
	id        string
	conn      *websocket.Conn
	connector *StreamConnector
	logger    *zap.Logger

	writeMu sync.Mutex
}

func (c *wsConn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsConn) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *wsConn) writeStream(msg *StreamMessage) error {
	return c.writeJSON(msg)
}

func (c *wsConn) writeBinary(frame []byte) error {
	return c.write(websocket.BinaryMessage, frame)
}

func (c *wsConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// wsRegistry tracks the live WebSocket connections for notification
// fan-out.
type wsRegistry struct {
	mu    sync.RWMutex
	conns map[string]*wsConn
}

func newWSRegistry() *wsRegistry {
	return &wsRegistry{conns: make(map[string]*wsConn)}
}

func (r *wsRegistry) add(c *wsConn) {
	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()
}

func (r *wsRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

func (r *wsRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// broadcast sends a notification envelope to every connection. WebSocket
// deliveries carry no event IDs and are not buffered for replay.
func (r *wsRegistry) broadcast(msg *JSONRPCMessage) {
	r.mu.RLock()
	conns := make([]*wsConn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if err := c.writeJSON(msg); err != nil {
			c.conn.Close()
		}
	}
}

// sendToConn delivers to a single connection, reporting whether the
// connection exists.
func (r *wsRegistry) sendToConn(id string, msg *JSONRPCMessage) bool {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if err := c.writeJSON(msg); err != nil {
		c.conn.Close()
	}
	return true
}

// closeAll tears down every connection. Used during shutdown.
func (r *wsRegistry) closeAll() {
	r.mu.Lock()
	conns := make([]*wsConn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*wsConn)
	r.mu.Unlock()

	for _, c := range conns {
		c.conn.Close()
	}
}

// connStreamer adapts a connection's StreamConnector to the Streamer
// handlers receive. inbound is set for stream-initiated calls.
type connStreamer struct {
	connector *StreamConnector
	inbound   *InboundStream
}

func (s *connStreamer) OpenWrite(meta StreamMeta) (*StreamWriter, error) {
	return s.connector.OpenWrite(meta)
}

func (s *connStreamer) Inbound() *InboundStream {
	return s.inbound
}

// handleWebSocket upgrades the connection and serves it until the client
// disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, newError(nullID, CodeUnauthorized, "Unauthorized", nil))
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := &wsConn{
		id:     uuid.NewString(),
		conn:   ws,
		logger: s.logger,
	}
	conn.connector = newStreamConnector(conn, s.streamIdleTimeout, s.logger)
	s.wsConns.add(conn)
	s.logger.Debug("websocket connected", zap.String("conn", conn.id))
	s.publish(events.ClientConnected, "", map[string]interface{}{"transport": "ws", "conn": conn.id})

	ctx, cancel := context.WithCancel(s.ctx)
	go s.wsPing(ctx, conn)
	s.wsReadLoop(ctx, conn)

	cancel()
	conn.connector.closeAll()
	s.wsConns.remove(conn.id)
	s.subs.dropSession(conn.id)
	ws.Close()
	s.logger.Debug("websocket disconnected", zap.String("conn", conn.id))
	s.publish(events.ClientDisconnected, "", map[string]interface{}{"transport": "ws", "conn": conn.id})
}

// wsPing keeps the connection alive and lets dead peers be detected via
// the read deadline.
func (s *Server) wsPing(ctx context.Context, conn *wsConn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				conn.conn.Close()
				return
			}
		}
	}
}

// wsReadLoop pulls frames until the connection errors. Binary frames and
// stream control frames are processed inline to preserve FIFO chunk
// order; JSON-RPC requests dispatch on their own goroutine so a blocking
// handler cannot stall the stream it is consuming.
func (s *Server) wsReadLoop(ctx context.Context, conn *wsConn) {
	ws := conn.conn
	ws.SetReadLimit(wsMaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		messageType, reader, err := ws.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", zap.String("conn", conn.id), zap.Error(err))
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			s.readBinaryFrame(conn, reader)
		case websocket.TextMessage:
			data, err := io.ReadAll(reader)
			if err != nil {
				return
			}
			s.handleWSText(ctx, conn, data)
		}
	}
}

// readBinaryFrame decodes one binary chunk using a pooled buffer and
// feeds it to its stream synchronously.
func (s *Server) readBinaryFrame(conn *wsConn, reader io.Reader) {
	buf := binaryBufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer binaryBufPool.Put(buf)

	if _, err := buf.ReadFrom(reader); err != nil {
		return
	}
	frame := buf.Bytes()
	id, index, payload, err := decodeBinaryChunk(frame)
	if err != nil {
		conn.connector.shortBinaryFrame(len(frame))
		return
	}
	conn.connector.feedBinary(id, index, payload)
}

// handleWSText routes a text frame to either the JSON-RPC dispatcher or
// the stream connector.
func (s *Server) handleWSText(ctx context.Context, conn *wsConn, data []byte) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		conn.writeJSON(newError(nullID, CodeInvalidRequest, "Invalid request", "batch requests are not supported over WebSocket"))
		return
	}

	var probe struct {
		Jsonrpc string `json:"jsonrpc"`
		Type    string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		conn.writeJSON(newError(nullID, CodeParseError, "Parse error", err.Error()))
		return
	}

	if probe.Jsonrpc != "" || probe.Type == "" {
		var msg JSONRPCMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			conn.writeJSON(newError(nullID, CodeParseError, "Parse error", err.Error()))
			return
		}
		go s.dispatchWS(ctx, conn, &msg)
		return
	}

	s.handleStreamFrame(ctx, conn, data)
}

// dispatchWS executes one JSON-RPC envelope received over WebSocket.
func (s *Server) dispatchWS(ctx context.Context, conn *wsConn, msg *JSONRPCMessage) {
	call := callContext{
		transport:    TransportWebSocket,
		subscriberID: conn.id,
		streamer:     &connStreamer{connector: conn.connector},
	}
	if resp := s.dispatcher.dispatch(ctx, call, msg); resp != nil {
		if err := conn.writeJSON(resp); err != nil {
			conn.conn.Close()
		}
	}
}

// handleStreamFrame processes one StreamMessage text frame.
func (s *Server) handleStreamFrame(ctx context.Context, conn *wsConn, data []byte) {
	msg, err := parseStreamMessage(data)
	if err != nil {
		conn.writeJSON(newError(nullID, CodeInvalidRequest, "Invalid request", err.Error()))
		return
	}

	if msg.Type != StreamTypeStart {
		conn.connector.feedText(msg)
		return
	}

	stream, err := conn.connector.start(msg)
	if err != nil {
		conn.connector.sendError(uuid.Nil, &JSONRPCError{Code: CodeTransportError, Message: err.Error()})
		return
	}
	go s.runStreamCall(ctx, conn, stream)
}

// runStreamCall invokes the procedure a client-initiated stream is
// addressed to: the tool named by meta.method, or the server's stream
// acceptor when the start frame names none. The JSON-RPC response
// envelope uses the stream UUID as its id.
func (s *Server) runStreamCall(ctx context.Context, conn *wsConn, stream *InboundStream) {
	meta := stream.Meta()
	call := callContext{
		transport:    TransportWebSocket,
		subscriberID: conn.id,
		streamer:     &connStreamer{connector: conn.connector, inbound: stream},
	}

	var result interface{}
	var rpcErr *JSONRPCError
	switch {
	case meta.Method != "":
		tool, ok := s.catalog.ToolByName(meta.Method)
		if !ok {
			rpcErr = &JSONRPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("Tool not found: %s", meta.Method)}
			break
		}
		result, rpcErr = s.dispatcher.invokeTool(ctx, call, tool, mustMarshal(meta))
	case s.streamAcceptor != nil:
		result, rpcErr = s.runStreamAcceptor(ctx, call, stream)
	default:
		// Sub-stream with no addressee: accepted and tracked, but nobody
		// is called and no response envelope is produced.
		return
	}

	id := stream.ID().String()
	var resp *JSONRPCMessage
	if rpcErr != nil {
		stream.fail(rpcErr)
		resp = &JSONRPCMessage{Jsonrpc: jsonrpcVersion, ID: id, Error: rpcErr}
	} else {
		resp = newResult(id, result)
	}
	if err := conn.writeJSON(resp); err != nil {
		conn.conn.Close()
	}
}

func (s *Server) runStreamAcceptor(ctx context.Context, call callContext, stream *InboundStream) (result interface{}, rpcErr *JSONRPCError) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("stream acceptor panic", zap.Any("panic", r))
			rpcErr = errInternal(fmt.Sprintf("stream acceptor panic: %v", r))
		}
	}()
	ctx = withStreamer(ctx, call.streamer)
	res, err := s.streamAcceptor(ctx, stream)
	if err != nil {
		return nil, asRPCError(err)
	}
	return res, nil
}
