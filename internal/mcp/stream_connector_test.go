package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFrameWriter records outbound frames for assertions.
type fakeFrameWriter struct {
	mu     sync.Mutex
	frames []*StreamMessage
	binary [][]byte
}

func (f *fakeFrameWriter) writeStream(msg *StreamMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, msg)
	return nil
}

func (f *fakeFrameWriter) writeBinary(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binary = append(f.binary, append([]byte(nil), frame...))
	return nil
}

func (f *fakeFrameWriter) framesOfType(frameType string) []*StreamMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*StreamMessage
	for _, msg := range f.frames {
		if msg.Type == frameType {
			out = append(out, msg)
		}
	}
	return out
}

func (f *fakeFrameWriter) waitForFrame(t *testing.T, frameType string, within time.Duration) *StreamMessage {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if frames := f.framesOfType(frameType); len(frames) > 0 {
			return frames[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %q frame was written", frameType)
	return nil
}

func startFrame(id uuid.UUID, meta StreamMeta) *StreamMessage {
	return &StreamMessage{Type: StreamTypeStart, ID: id.String(), Meta: &meta}
}

func chunkFrame(id uuid.UUID, index uint64, data string) *StreamMessage {
	return &StreamMessage{Type: StreamTypeChunk, ID: id.String(), Index: &index, Data: data}
}

func TestConnectorTextStreamLifecycle(t *testing.T) {
	w := &fakeFrameWriter{}
	c := newStreamConnector(w, time.Minute, nil)

	id := uuid.New()
	stream, err := c.start(startFrame(id, StreamMeta{Binary: false}))
	require.NoError(t, err)
	assert.Equal(t, id, stream.ID())

	var got []string
	stream.OnTextChunk(func(index uint64, data string) { got = append(got, data) })
	var doneSummary json.RawMessage
	stream.OnDone(func(summary json.RawMessage) { doneSummary = summary })

	c.feedText(chunkFrame(id, 0, "a"))
	c.feedText(chunkFrame(id, 1, "b"))
	c.feedText(&StreamMessage{Type: StreamTypeDone, ID: id.String(), Summary: json.RawMessage(`{"n":2}`)})

	assert.Equal(t, []string{"a", "b"}, got)
	assert.JSONEq(t, `{"n":2}`, string(doneSummary))

	summary, err := stream.Wait(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(summary))
}

func TestConnectorQueuesChunksUntilRegistration(t *testing.T) {
	w := &fakeFrameWriter{}
	c := newStreamConnector(w, time.Minute, nil)

	id := uuid.New()
	stream, err := c.start(startFrame(id, StreamMeta{Binary: true}))
	require.NoError(t, err)

	// Chunks and even the done frame arrive before anyone listens.
	c.feedBinary(id, 0, []byte("one"))
	c.feedBinary(id, 1, []byte("two"))
	c.feedText(&StreamMessage{Type: StreamTypeDone, ID: id.String()})

	var got []string
	stream.OnBinaryChunk(func(index uint64, payload []byte) { got = append(got, string(payload)) })
	assert.Equal(t, []string{"one", "two"}, got, "late registration drains the queue")

	_, err = stream.Wait(context.Background())
	assert.NoError(t, err)
}

func TestConnectorQueueFlushesOnNextChunk(t *testing.T) {
	w := &fakeFrameWriter{}
	c := newStreamConnector(w, time.Minute, nil)

	id := uuid.New()
	stream, err := c.start(startFrame(id, StreamMeta{Binary: false}))
	require.NoError(t, err)

	c.feedText(chunkFrame(id, 0, "queued-1"))
	c.feedText(chunkFrame(id, 1, "queued-2"))

	var got []string
	stream.OnTextChunk(func(index uint64, data string) { got = append(got, data) })

	c.feedText(chunkFrame(id, 2, "live"))
	assert.Equal(t, []string{"queued-1", "queued-2", "live"}, got)
}

func TestConnectorQueuedBinaryPayloadsAreCopies(t *testing.T) {
	w := &fakeFrameWriter{}
	c := newStreamConnector(w, time.Minute, nil)

	id := uuid.New()
	stream, err := c.start(startFrame(id, StreamMeta{Binary: true}))
	require.NoError(t, err)

	buf := []byte("original")
	c.feedBinary(id, 0, buf)
	copy(buf, "clobber!") // the read buffer gets recycled

	stream.OnBinaryChunk(func(index uint64, payload []byte) {
		assert.Equal(t, "original", string(payload))
	})
	c.feedText(&StreamMessage{Type: StreamTypeDone, ID: id.String()})
}

func TestConnectorRejectsDuplicateStart(t *testing.T) {
	w := &fakeFrameWriter{}
	c := newStreamConnector(w, time.Minute, nil)

	id := uuid.New()
	_, err := c.start(startFrame(id, StreamMeta{}))
	require.NoError(t, err)
	_, err = c.start(startFrame(id, StreamMeta{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate stream id")
}

func TestConnectorRejectsBadStartID(t *testing.T) {
	w := &fakeFrameWriter{}
	c := newStreamConnector(w, time.Minute, nil)

	_, err := c.start(&StreamMessage{Type: StreamTypeStart, ID: "not-a-uuid"})
	assert.Error(t, err)
}

func TestConnectorUnknownStream(t *testing.T) {
	w := &fakeFrameWriter{}
	c := newStreamConnector(w, time.Minute, nil)

	id := uuid.New()
	c.feedText(chunkFrame(id, 0, "data"))

	frames := w.framesOfType(StreamTypeError)
	require.Len(t, frames, 1)
	assert.Equal(t, id.String(), frames[0].ID)
	assert.Equal(t, "Unknown stream", frames[0].Error.Message)
}

func TestConnectorModalityMismatch(t *testing.T) {
	w := &fakeFrameWriter{}
	c := newStreamConnector(w, time.Minute, nil)

	id := uuid.New()
	stream, err := c.start(startFrame(id, StreamMeta{Binary: true}))
	require.NoError(t, err)

	var streamErr *JSONRPCError
	stream.OnError(func(err *JSONRPCError) { streamErr = err })

	c.feedText(chunkFrame(id, 0, "text where bytes belong"))

	require.NotNil(t, streamErr)
	assert.Equal(t, "Text chunk on binary stream", streamErr.Message)

	_, err = stream.Wait(context.Background())
	require.Error(t, err)

	frames := w.framesOfType(StreamTypeError)
	require.Len(t, frames, 1)
	assert.Equal(t, id.String(), frames[0].ID)
}

func TestConnectorBinaryChunkOnTextStream(t *testing.T) {
	w := &fakeFrameWriter{}
	c := newStreamConnector(w, time.Minute, nil)

	id := uuid.New()
	_, err := c.start(startFrame(id, StreamMeta{Binary: false}))
	require.NoError(t, err)

	c.feedBinary(id, 0, []byte("bytes"))

	frames := w.framesOfType(StreamTypeError)
	require.Len(t, frames, 1)
	assert.Equal(t, "Binary chunk on text stream", frames[0].Error.Message)
}

func TestConnectorLateDataAfterDone(t *testing.T) {
	w := &fakeFrameWriter{}
	c := newStreamConnector(w, time.Minute, nil)

	id := uuid.New()
	stream, err := c.start(startFrame(id, StreamMeta{Binary: false}))
	require.NoError(t, err)

	c.feedText(&StreamMessage{Type: StreamTypeDone, ID: id.String(), Summary: json.RawMessage(`"ok"`)})
	c.feedText(chunkFrame(id, 1, "too late"))

	frames := w.framesOfType(StreamTypeError)
	require.Len(t, frames, 1)
	assert.Equal(t, "Stream already completed", frames[0].Error.Message)

	// The completed outcome is not rewritten by the protocol violation.
	summary, err := stream.Wait(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `"ok"`, string(summary))
}

func TestConnectorIdleTimeout(t *testing.T) {
	w := &fakeFrameWriter{}
	c := newStreamConnector(w, 50*time.Millisecond, nil)

	id := uuid.New()
	stream, err := c.start(startFrame(id, StreamMeta{Binary: true}))
	require.NoError(t, err)

	frame := w.waitForFrame(t, StreamTypeError, 2*time.Second)
	assert.Equal(t, "Stream timeout", frame.Error.Message)

	_, err = stream.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Stream timeout")
}

func TestConnectorChunksResetIdleTimer(t *testing.T) {
	w := &fakeFrameWriter{}
	c := newStreamConnector(w, 250*time.Millisecond, nil)

	id := uuid.New()
	stream, err := c.start(startFrame(id, StreamMeta{Binary: false}))
	require.NoError(t, err)

	// Keep feeding under the timeout; the stream must stay alive.
	for i := 0; i < 4; i++ {
		time.Sleep(50 * time.Millisecond)
		c.feedText(chunkFrame(id, uint64(i), "tick"))
	}
	assert.Empty(t, w.framesOfType(StreamTypeError))

	c.feedText(&StreamMessage{Type: StreamTypeDone, ID: id.String()})
	_, err = stream.Wait(context.Background())
	assert.NoError(t, err)
}

func TestConnectorClientErrorFrame(t *testing.T) {
	w := &fakeFrameWriter{}
	c := newStreamConnector(w, time.Minute, nil)

	id := uuid.New()
	stream, err := c.start(startFrame(id, StreamMeta{Binary: false}))
	require.NoError(t, err)

	c.feedText(&StreamMessage{
		Type:  StreamTypeError,
		ID:    id.String(),
		Error: &JSONRPCError{Code: CodeTransportError, Message: "client aborted"},
	})

	_, err = stream.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client aborted")
}

func TestConnectorWaitHonorsContext(t *testing.T) {
	w := &fakeFrameWriter{}
	c := newStreamConnector(w, time.Minute, nil)

	stream, err := c.start(startFrame(uuid.New(), StreamMeta{}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = stream.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOpenWriteTextStream(t *testing.T) {
	w := &fakeFrameWriter{}
	c := newStreamConnector(w, time.Minute, nil)

	writer, err := c.OpenWrite(StreamMeta{Binary: false, Name: "report.txt"})
	require.NoError(t, err)

	starts := w.framesOfType(StreamTypeStart)
	require.Len(t, starts, 1)
	assert.Equal(t, writer.ID().String(), starts[0].ID)
	assert.Equal(t, "report.txt", starts[0].Meta.Name)

	require.NoError(t, writer.WriteChunk("hello"))
	require.NoError(t, writer.WriteChunk("world"))

	chunks := w.framesOfType(StreamTypeChunk)
	require.Len(t, chunks, 2)
	assert.Equal(t, uint64(0), *chunks[0].Index)
	assert.Equal(t, "hello", chunks[0].Data)
	assert.Equal(t, uint64(1), *chunks[1].Index)

	_, err = writer.Write([]byte("raw"))
	assert.Error(t, err, "binary writes are rejected on a text stream")

	require.NoError(t, writer.Complete(map[string]int{"lines": 2}))
	dones := w.framesOfType(StreamTypeDone)
	require.Len(t, dones, 1)
	assert.JSONEq(t, `{"lines":2}`, string(dones[0].Summary))

	assert.Error(t, writer.WriteChunk("after close"))
	assert.NoError(t, writer.Complete(nil), "repeat completion is a no-op")
}

func TestOpenWriteBinaryStream(t *testing.T) {
	w := &fakeFrameWriter{}
	c := newStreamConnector(w, time.Minute, nil)

	writer, err := c.OpenWrite(StreamMeta{Binary: true})
	require.NoError(t, err)

	assert.Error(t, writer.WriteChunk("text"), "text writes are rejected on a binary stream")

	n, err := writer.Write([]byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	require.Len(t, w.binary, 1)
	id, index, payload, err := decodeBinaryChunk(w.binary[0])
	require.NoError(t, err)
	assert.Equal(t, writer.ID(), id)
	assert.Equal(t, uint64(0), index)
	assert.Equal(t, "payload", string(payload))

	require.NoError(t, writer.Fail(&JSONRPCError{Code: CodeTransportError, Message: "source vanished"}))
	errFrames := w.framesOfType(StreamTypeError)
	require.Len(t, errFrames, 1)
	assert.Equal(t, "source vanished", errFrames[0].Error.Message)

	_, err = writer.Write([]byte("more"))
	assert.Error(t, err)
}

func TestConnectorCloseAll(t *testing.T) {
	w := &fakeFrameWriter{}
	c := newStreamConnector(w, time.Minute, nil)

	finished, err := c.start(startFrame(uuid.New(), StreamMeta{}))
	require.NoError(t, err)
	c.feedText(&StreamMessage{Type: StreamTypeDone, ID: finished.ID().String(), Summary: json.RawMessage(`"kept"`)})

	live, err := c.start(startFrame(uuid.New(), StreamMeta{}))
	require.NoError(t, err)

	writer, err := c.OpenWrite(StreamMeta{Binary: false})
	require.NoError(t, err)

	c.closeAll()

	_, err = live.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Connection closed")

	summary, err := finished.Wait(context.Background())
	require.NoError(t, err, "completed streams keep their outcome")
	assert.JSONEq(t, `"kept"`, string(summary))

	assert.Error(t, writer.WriteChunk("x"), "outbound writers are closed")
}
