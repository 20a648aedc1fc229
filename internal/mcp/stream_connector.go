package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultStreamIdleTimeout = 30 * time.Second

	// maxPendingChunks bounds how many chunks a stream queues while no
	// consumer callback is registered yet.
	maxPendingChunks = 1024
)

// Streamer is handed to handlers running on a WebSocket connection. It
// lets them open outbound streams and, for stream-initiated calls, reach
// the inbound stream that started the call.
type Streamer interface {
	// OpenWrite announces a new outbound stream with a start frame and
	// returns its writer. The handle's modality follows meta.Binary.
	OpenWrite(meta StreamMeta) (*StreamWriter, error)
	// Inbound returns the stream that initiated the current call, or nil
	// when the call arrived as a plain JSON-RPC request.
	Inbound() *InboundStream
}

type streamerKey struct{}

func withStreamer(ctx context.Context, s Streamer) context.Context {
	return context.WithValue(ctx, streamerKey{}, s)
}

// StreamerFrom extracts the connection's Streamer. It reports false on
// transports without streaming support.
func StreamerFrom(ctx context.Context) (Streamer, bool) {
	s, ok := ctx.Value(streamerKey{}).(Streamer)
	return s, ok
}

// frameWriter is the write half of a WebSocket connection as the streaming
// layer sees it.
type frameWriter interface {
	writeStream(msg *StreamMessage) error
	writeBinary(frame []byte) error
}

const (
	streamActive = iota
	streamDone
	streamErrored
)

type pendingChunk struct {
	index   uint64
	text    string
	payload []byte
}

// InboundStream is one client-initiated stream. All frame processing runs
// on the connection's read loop, so chunk callbacks observe frames in send
// order. Chunks arriving before a callback is registered are queued and
// drained with the next frame, so a handler racing the first chunks loses
// nothing.
type InboundStream struct {
	id      uuid.UUID
	meta    StreamMeta
	writer  frameWriter
	timeout time.Duration

	mu        sync.Mutex
	state     int
	onText    func(index uint64, data string)
	onBinary  func(index uint64, payload []byte)
	onDone    func(summary json.RawMessage)
	onError   func(err *JSONRPCError)
	pending   []pendingChunk
	summary   json.RawMessage
	err       *JSONRPCError
	idleTimer *time.Timer
	done      chan struct{}
}

// ID returns the stream UUID.
func (s *InboundStream) ID() uuid.UUID { return s.id }

// Meta returns the metadata announced by the start frame.
func (s *InboundStream) Meta() StreamMeta { return s.meta }

// OnTextChunk registers the text chunk callback. Registering after the
// stream completed delivers the queued chunks immediately.
func (s *InboundStream) OnTextChunk(fn func(index uint64, data string)) {
	s.mu.Lock()
	s.onText = fn
	var queued []pendingChunk
	if s.state == streamDone && !s.meta.Binary {
		queued = s.takePending()
	}
	s.mu.Unlock()

	for _, c := range queued {
		fn(c.index, c.text)
	}
}

// OnBinaryChunk registers the binary chunk callback. Payloads queued
// before registration are copies; payloads delivered live alias the read
// buffer and are only valid during the callback. Registering after the
// stream completed delivers the queued chunks immediately.
func (s *InboundStream) OnBinaryChunk(fn func(index uint64, payload []byte)) {
	s.mu.Lock()
	s.onBinary = fn
	var queued []pendingChunk
	if s.state == streamDone && s.meta.Binary {
		queued = s.takePending()
	}
	s.mu.Unlock()

	for _, c := range queued {
		fn(c.index, c.payload)
	}
}

// OnDone registers the completion callback.
func (s *InboundStream) OnDone(fn func(summary json.RawMessage)) {
	s.mu.Lock()
	s.onDone = fn
	s.mu.Unlock()
}

// OnError registers the failure callback.
func (s *InboundStream) OnError(fn func(err *JSONRPCError)) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

// Wait blocks until the stream completes or fails. It returns the done
// frame's summary, or the stream error.
func (s *InboundStream) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.summary, nil
}

func (s *InboundStream) resetIdle() {
	s.mu.Lock()
	if s.idleTimer != nil && s.state == streamActive {
		s.idleTimer.Reset(s.timeout)
	}
	s.mu.Unlock()
}

// guardData validates that a data frame may be processed: the stream must
// be active and the modality must match the start frame. Returns false
// when the frame must be dropped.
func (s *InboundStream) guardData(binary bool) bool {
	s.mu.Lock()
	switch {
	case s.state == streamErrored:
		s.mu.Unlock()
		return false
	case s.state == streamDone:
		s.mu.Unlock()
		s.failAndNotify(&JSONRPCError{Code: CodeTransportError, Message: "Stream already completed"})
		return false
	case binary != s.meta.Binary:
		s.mu.Unlock()
		if binary {
			s.failAndNotify(&JSONRPCError{Code: CodeTransportError, Message: "Binary chunk on text stream"})
		} else {
			s.failAndNotify(&JSONRPCError{Code: CodeTransportError, Message: "Text chunk on binary stream"})
		}
		return false
	}
	s.mu.Unlock()
	return true
}

// feedText routes one text chunk.
func (s *InboundStream) feedText(index uint64, data string) {
	if !s.guardData(false) {
		return
	}
	s.resetIdle()

	s.mu.Lock()
	fn := s.onText
	if fn == nil {
		if len(s.pending) < maxPendingChunks {
			s.pending = append(s.pending, pendingChunk{index: index, text: data})
		}
		s.mu.Unlock()
		return
	}
	queued := s.takePending()
	s.mu.Unlock()

	for _, c := range queued {
		fn(c.index, c.text)
	}
	fn(index, data)
}

// feedBinary routes one binary chunk. The payload may alias a pooled read
// buffer, so queued copies are made before the read loop recycles it.
func (s *InboundStream) feedBinary(index uint64, payload []byte) {
	if !s.guardData(true) {
		return
	}
	s.resetIdle()

	s.mu.Lock()
	fn := s.onBinary
	if fn == nil {
		if len(s.pending) < maxPendingChunks {
			s.pending = append(s.pending, pendingChunk{index: index, payload: append([]byte(nil), payload...)})
		}
		s.mu.Unlock()
		return
	}
	queued := s.takePending()
	s.mu.Unlock()

	for _, c := range queued {
		fn(c.index, c.payload)
	}
	fn(index, payload)
}

// takePending detaches the queued chunks. Caller holds mu.
func (s *InboundStream) takePending() []pendingChunk {
	queued := s.pending
	s.pending = nil
	return queued
}

// finish marks the stream done, drains any queued chunks through the
// registered callback and fires OnDone. Chunks queued with no callback
// registered stay queued so a late registrant still receives them.
func (s *InboundStream) finish(summary json.RawMessage) {
	s.mu.Lock()
	if s.state != streamActive {
		s.mu.Unlock()
		return
	}
	s.state = streamDone
	s.summary = summary
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	var queued []pendingChunk
	if (s.meta.Binary && s.onBinary != nil) || (!s.meta.Binary && s.onText != nil) {
		queued = s.takePending()
	}
	onText, onBinary, onDone := s.onText, s.onBinary, s.onDone
	done := s.done
	s.mu.Unlock()

	for _, c := range queued {
		if s.meta.Binary {
			onBinary(c.index, c.payload)
		} else {
			onText(c.index, c.text)
		}
	}
	if onDone != nil {
		onDone(summary)
	}
	close(done)
}

// fail marks the stream errored and fires OnError. A stream that already
// completed keeps its summary; later failures only reach the peer as
// frames, never rewrite the outcome.
func (s *InboundStream) fail(err *JSONRPCError) {
	s.mu.Lock()
	if s.state != streamActive {
		s.mu.Unlock()
		return
	}
	s.state = streamErrored
	s.err = err
	s.pending = nil
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	fn := s.onError
	done := s.done
	s.mu.Unlock()

	if fn != nil {
		fn(err)
	}
	close(done)
}

// failAndNotify fails the stream locally and tells the peer with an error
// frame.
func (s *InboundStream) failAndNotify(err *JSONRPCError) {
	s.fail(err)
	s.writer.writeStream(&StreamMessage{
		Type:  StreamTypeError,
		ID:    s.id.String(),
		Error: err,
	})
}

// StreamConnector multiplexes the streams of one WebSocket connection. The
// read loop feeds it inbound frames; handlers open outbound streams
// through it.
type StreamConnector struct {
	writer      frameWriter
	idleTimeout time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	inbound  map[uuid.UUID]*InboundStream
	outbound map[uuid.UUID]*StreamWriter
}

func newStreamConnector(writer frameWriter, idleTimeout time.Duration, logger *zap.Logger) *StreamConnector {
	if idleTimeout <= 0 {
		idleTimeout = defaultStreamIdleTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamConnector{
		writer:      writer,
		idleTimeout: idleTimeout,
		logger:      logger,
	}
}

// start registers a client-initiated stream from its start frame.
func (c *StreamConnector) start(msg *StreamMessage) (*InboundStream, error) {
	id, err := uuid.Parse(msg.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid stream id %q: %w", msg.ID, err)
	}
	var meta StreamMeta
	if msg.Meta != nil {
		meta = *msg.Meta
	}
	s := &InboundStream{
		id:      id,
		meta:    meta,
		writer:  c.writer,
		timeout: c.idleTimeout,
		done:    make(chan struct{}),
	}
	s.idleTimer = time.AfterFunc(c.idleTimeout, func() {
		s.failAndNotify(&JSONRPCError{Code: CodeTransportError, Message: "Stream timeout"})
	})

	c.mu.Lock()
	if c.inbound == nil {
		c.inbound = make(map[uuid.UUID]*InboundStream)
	}
	if _, exists := c.inbound[id]; exists {
		c.mu.Unlock()
		s.idleTimer.Stop()
		return nil, fmt.Errorf("duplicate stream id %s", id)
	}
	c.inbound[id] = s
	c.mu.Unlock()
	return s, nil
}

// feedText routes a chunk, done or error frame to its stream.
func (c *StreamConnector) feedText(msg *StreamMessage) {
	id, err := uuid.Parse(msg.ID)
	if err != nil {
		c.sendError(uuid.Nil, &JSONRPCError{Code: CodeTransportError, Message: "Invalid stream id"})
		return
	}
	c.mu.Lock()
	s := c.inbound[id]
	c.mu.Unlock()
	if s == nil {
		c.sendError(id, &JSONRPCError{Code: CodeTransportError, Message: "Unknown stream"})
		return
	}

	switch msg.Type {
	case StreamTypeChunk:
		s.feedText(msg.streamIndex(), msg.Data)
	case StreamTypeDone:
		s.finish(msg.Summary)
	case StreamTypeError:
		streamErr := msg.Error
		if streamErr == nil {
			streamErr = &JSONRPCError{Code: CodeTransportError, Message: "Stream failed"}
		}
		s.fail(streamErr)
	}
}

// feedBinary routes one decoded binary chunk to its stream.
func (c *StreamConnector) feedBinary(id uuid.UUID, index uint64, payload []byte) {
	c.mu.Lock()
	s := c.inbound[id]
	c.mu.Unlock()
	if s == nil {
		c.sendError(id, &JSONRPCError{Code: CodeTransportError, Message: "Unknown stream"})
		return
	}
	s.feedBinary(index, payload)
}

// shortBinaryFrame handles a binary frame too small to carry a header.
// With no parseable stream id the error is attributed to the connection's
// sole active binary stream when there is exactly one.
func (c *StreamConnector) shortBinaryFrame(size int) {
	err := &JSONRPCError{
		Code:    CodeTransportError,
		Message: fmt.Sprintf("Binary frame too short: %d bytes", size),
	}
	c.mu.Lock()
	var sole *InboundStream
	for _, s := range c.inbound {
		s.mu.Lock()
		active := s.state == streamActive && s.meta.Binary
		s.mu.Unlock()
		if active {
			if sole != nil {
				sole = nil
				break
			}
			sole = s
		}
	}
	c.mu.Unlock()

	if sole != nil {
		sole.failAndNotify(err)
		return
	}
	c.sendError(uuid.Nil, err)
}

func (c *StreamConnector) sendError(id uuid.UUID, err *JSONRPCError) {
	c.writer.writeStream(&StreamMessage{
		Type:  StreamTypeError,
		ID:    id.String(),
		Error: err,
	})
}

// OpenWrite announces an outbound stream and returns its writer.
func (c *StreamConnector) OpenWrite(meta StreamMeta) (*StreamWriter, error) {
	id := uuid.New()
	w := &StreamWriter{
		id:        id,
		binary:    meta.Binary,
		writer:    c.writer,
		connector: c,
	}
	if err := c.writer.writeStream(&StreamMessage{
		Type: StreamTypeStart,
		ID:   id.String(),
		Meta: &meta,
	}); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.outbound == nil {
		c.outbound = make(map[uuid.UUID]*StreamWriter)
	}
	c.outbound[id] = w
	c.mu.Unlock()
	return w, nil
}

func (c *StreamConnector) removeOutbound(id uuid.UUID) {
	c.mu.Lock()
	delete(c.outbound, id)
	c.mu.Unlock()
}

// closeAll fails every live stream. Called when the connection drops.
func (c *StreamConnector) closeAll() {
	err := &JSONRPCError{Code: CodeTransportError, Message: "Connection closed"}
	c.mu.Lock()
	inbound := make([]*InboundStream, 0, len(c.inbound))
	for _, s := range c.inbound {
		inbound = append(inbound, s)
	}
	outbound := make([]*StreamWriter, 0, len(c.outbound))
	for _, w := range c.outbound {
		outbound = append(outbound, w)
	}
	c.mu.Unlock()

	for _, s := range inbound {
		s.fail(err)
	}
	for _, w := range outbound {
		w.abandon()
	}
}

// StreamWriter is the outbound half of one stream. Writes after Complete
// or Fail are rejected; Complete and Fail themselves are idempotent
// no-ops once the stream is closed.
type StreamWriter struct {
	id        uuid.UUID
	binary    bool
	writer    frameWriter
	connector *StreamConnector

	mu     sync.Mutex
	index  uint64
	closed bool
}

// ID returns the stream UUID.
func (w *StreamWriter) ID() uuid.UUID { return w.id }

// WriteChunk sends one text chunk. Only valid on text streams.
func (w *StreamWriter) WriteChunk(data string) error {
	if w.binary {
		return fmt.Errorf("stream %s is binary; use Write", w.id)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("stream %s is closed", w.id)
	}
	index := w.index
	w.index++
	return w.writer.writeStream(&StreamMessage{
		Type:  StreamTypeChunk,
		ID:    w.id.String(),
		Index: &index,
		Data:  data,
	})
}

// Write sends one binary chunk framed with the stream header. Only valid
// on binary streams. Implements io.Writer.
func (w *StreamWriter) Write(p []byte) (int, error) {
	if !w.binary {
		return 0, fmt.Errorf("stream %s is text; use WriteChunk", w.id)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, fmt.Errorf("stream %s is closed", w.id)
	}
	index := w.index
	w.index++
	if err := w.writer.writeBinary(encodeBinaryChunk(w.id, index, p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Complete sends the done frame with an optional summary and closes the
// stream.
func (w *StreamWriter) Complete(summary interface{}) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	w.connector.removeOutbound(w.id)

	msg := &StreamMessage{Type: StreamTypeDone, ID: w.id.String()}
	if summary != nil {
		msg.Summary = mustMarshal(summary)
	}
	return w.writer.writeStream(msg)
}

// Fail sends the error frame and closes the stream.
func (w *StreamWriter) Fail(streamErr *JSONRPCError) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	w.connector.removeOutbound(w.id)

	if streamErr == nil {
		streamErr = &JSONRPCError{Code: CodeTransportError, Message: "Stream failed"}
	}
	return w.writer.writeStream(&StreamMessage{
		Type:  StreamTypeError,
		ID:    w.id.String(),
		Error: streamErr,
	})
}

// abandon closes the writer without emitting frames. Used when the
// connection is already gone.
func (w *StreamWriter) abandon() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}
