package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialWS(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeWSText(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(text)))
}

// readRPCResponse scans text frames until a JSON-RPC envelope with the
// given id arrives, ignoring unrelated frames (notifications, stream
// traffic).
func readRPCResponse(t *testing.T, conn *websocket.Conn, wantID interface{}) JSONRPCMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		messageType, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if messageType != websocket.TextMessage {
			continue
		}
		var msg JSONRPCMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.IsResponse() && msg.ID == wantID {
			return msg
		}
	}
	t.Fatalf("no response with id %v arrived", wantID)
	return JSONRPCMessage{}
}

// readStreamFrame scans text frames until a StreamMessage of the given
// type for the given stream arrives.
func readStreamFrame(t *testing.T, conn *websocket.Conn, streamID, frameType string) StreamMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		messageType, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if messageType != websocket.TextMessage {
			continue
		}
		var msg StreamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == frameType && (streamID == "" || msg.ID == streamID) {
			return msg
		}
	}
	t.Fatalf("no %q frame for stream %s arrived", frameType, streamID)
	return StreamMessage{}
}

func TestWebSocketRequestResponse(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.catalog.RegisterTool(addNumbersTool()))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialWS(t, srv, nil)

	writeWSText(t, conn, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"add_numbers","arguments":{"a":5,"b":3}}}`)
	resp := readRPCResponse(t, conn, float64(1))
	require.Nil(t, resp.Error)

	result := resp.Result.(map[string]interface{})
	content := result["content"].([]interface{})
	assert.Equal(t, "8", content[0].(map[string]interface{})["text"])
}

func TestWebSocketNeedsNoSession(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialWS(t, srv, nil)

	// tools/list works immediately; WebSocket connections are sessionless.
	writeWSText(t, conn, `{"jsonrpc":"2.0","id":7,"method":"tools/list"}`)
	resp := readRPCResponse(t, conn, float64(7))
	assert.Nil(t, resp.Error)
	assert.Equal(t, 0, s.sessions.count())
}

func TestWebSocketBatchRejected(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialWS(t, srv, nil)
	writeWSText(t, conn, `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg JSONRPCMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	require.NotNil(t, msg.Error)
	assert.Equal(t, CodeInvalidRequest, msg.Error.Code)
	assert.Contains(t, msg.Error.Data, "batch")
}

func TestWebSocketMalformedJSON(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialWS(t, srv, nil)
	writeWSText(t, conn, `{"jsonrpc":`)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg JSONRPCMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	require.NotNil(t, msg.Error)
	assert.Equal(t, CodeParseError, msg.Error.Code)
}

func TestWebSocketAuth(t *testing.T) {
	s := NewServer(Options{
		Info:      ServerInfo{Name: "waggle-test", Version: "0.0.1"},
		AuthToken: "sekrit",
	})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn := dialWS(t, srv, http.Header{"Authorization": []string{"Bearer sekrit"}})
	writeWSText(t, conn, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Nil(t, readRPCResponse(t, conn, float64(1)).Error)
}

func TestWebSocketSubscriptions(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.catalog.RegisterResource(noopResource("file:///watched", "watched")))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialWS(t, srv, nil)

	writeWSText(t, conn, `{"jsonrpc":"2.0","id":1,"method":"resources/subscribe","params":{"uri":"file:///watched"}}`)
	require.Nil(t, readRPCResponse(t, conn, float64(1)).Error)

	s.NotifyResourceUpdated("file:///watched")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg JSONRPCMessage
		if json.Unmarshal(data, &msg) == nil && msg.Method == "notifications/resources/updated" {
			assert.Contains(t, string(msg.Params), "file:///watched")
			return
		}
	}
	t.Fatal("resource update never arrived over the WebSocket")
}

func TestBinaryUploadToStreamAcceptor(t *testing.T) {
	s := newTestServer(t)
	s.SetStreamAcceptor(func(ctx context.Context, stream *InboundStream) (interface{}, error) {
		var chunks, total int
		var indexes []uint64
		stream.OnBinaryChunk(func(index uint64, payload []byte) {
			chunks++
			total += len(payload)
			indexes = append(indexes, index)
		})
		if _, err := stream.Wait(ctx); err != nil {
			return nil, err
		}
		for i, idx := range indexes {
			if idx != uint64(i) {
				return nil, fmt.Errorf("chunk %d arrived with index %d", i, idx)
			}
		}
		return map[string]int{"chunks": chunks, "bytes": total}, nil
	})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialWS(t, srv, nil)

	streamID := uuid.New()
	writeWSText(t, conn, fmt.Sprintf(`{"type":"start","id":"%s","meta":{"binary":true,"name":"upload.bin"}}`, streamID))

	payload := bytes.Repeat([]byte{0xAB}, 100)
	for i := 0; i < 10; i++ {
		frame := encodeBinaryChunk(streamID, uint64(i), payload)
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
	}
	writeWSText(t, conn, fmt.Sprintf(`{"type":"done","id":"%s"}`, streamID))

	resp := readRPCResponse(t, conn, streamID.String())
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, float64(10), result["chunks"])
	assert.Equal(t, float64(1000), result["bytes"])
}

func TestStreamInitiatedToolCall(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.catalog.RegisterTool(Tool{
		Name:       "sum_upload",
		Capability: CapabilityBinaryStreaming,
		Handler: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			streamer, ok := StreamerFrom(ctx)
			if !ok {
				return nil, errors.New("no streamer in context")
			}
			in := streamer.Inbound()
			if in == nil {
				return nil, errors.New("no inbound stream")
			}
			var total int
			in.OnBinaryChunk(func(index uint64, payload []byte) { total += len(payload) })
			if _, err := in.Wait(ctx); err != nil {
				return nil, err
			}
			return map[string]int{"bytes": total}, nil
		},
	}))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialWS(t, srv, nil)

	streamID := uuid.New()
	writeWSText(t, conn, fmt.Sprintf(`{"type":"start","id":"%s","meta":{"method":"sum_upload","binary":true}}`, streamID))
	for i := 0; i < 3; i++ {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage,
			encodeBinaryChunk(streamID, uint64(i), []byte("0123456789"))))
	}
	writeWSText(t, conn, fmt.Sprintf(`{"type":"done","id":"%s"}`, streamID))

	resp := readRPCResponse(t, conn, streamID.String())
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	content := result["content"].([]interface{})
	assert.JSONEq(t, `{"bytes":30}`, content[0].(map[string]interface{})["text"].(string))
}

func TestStreamStartUnknownMethod(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialWS(t, srv, nil)

	streamID := uuid.New()
	writeWSText(t, conn, fmt.Sprintf(`{"type":"start","id":"%s","meta":{"method":"nope"}}`, streamID))

	resp := readRPCResponse(t, conn, streamID.String())
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, "Tool not found: nope", resp.Error.Message)
}

func TestOutboundStreamFromTool(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.catalog.RegisterTool(Tool{
		Name:       "download",
		Capability: CapabilityBinaryStreaming,
		Handler: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			streamer, ok := StreamerFrom(ctx)
			if !ok {
				return nil, errors.New("no streamer in context")
			}
			w, err := streamer.OpenWrite(StreamMeta{Binary: true, Name: "blob.bin", Mime: "application/octet-stream"})
			if err != nil {
				return nil, err
			}
			if _, err := w.Write([]byte("first")); err != nil {
				return nil, err
			}
			if _, err := w.Write([]byte("second")); err != nil {
				return nil, err
			}
			if err := w.Complete(map[string]int{"chunks": 2}); err != nil {
				return nil, err
			}
			return map[string]string{"stream": w.ID().String()}, nil
		},
	}))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialWS(t, srv, nil)
	writeWSText(t, conn, `{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"download"}}`)

	var streamID string
	var payloads []string
	var gotDone bool
	var rpcDone bool
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !(gotDone && rpcDone && len(payloads) == 2) {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		messageType, data, err := conn.ReadMessage()
		require.NoError(t, err)

		switch messageType {
		case websocket.BinaryMessage:
			id, index, payload, err := decodeBinaryChunk(data)
			require.NoError(t, err)
			assert.Equal(t, streamID, id.String())
			assert.Equal(t, uint64(len(payloads)), index)
			payloads = append(payloads, string(payload))
		case websocket.TextMessage:
			var frame StreamMessage
			if json.Unmarshal(data, &frame) == nil && frame.Type != "" {
				switch frame.Type {
				case StreamTypeStart:
					streamID = frame.ID
					require.NotNil(t, frame.Meta)
					assert.True(t, frame.Meta.Binary)
					assert.Equal(t, "blob.bin", frame.Meta.Name)
				case StreamTypeDone:
					assert.Equal(t, streamID, frame.ID)
					assert.JSONEq(t, `{"chunks":2}`, string(frame.Summary))
					gotDone = true
				}
				continue
			}
			var msg JSONRPCMessage
			if json.Unmarshal(data, &msg) == nil && msg.IsResponse() && msg.ID == float64(9) {
				require.Nil(t, msg.Error)
				rpcDone = true
			}
		}
	}

	require.Equal(t, []string{"first", "second"}, payloads)
	assert.True(t, gotDone, "done frame never arrived")
	assert.True(t, rpcDone, "tool response never arrived")
}

func TestStreamChunkForUnknownStream(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialWS(t, srv, nil)

	bogus := uuid.NewString()
	writeWSText(t, conn, fmt.Sprintf(`{"type":"chunk","id":"%s","index":0,"data":"x"}`, bogus))

	frame := readStreamFrame(t, conn, bogus, StreamTypeError)
	require.NotNil(t, frame.Error)
	assert.Equal(t, CodeTransportError, frame.Error.Code)
	assert.Equal(t, "Unknown stream", frame.Error.Message)
}

func TestStreamModalityMismatch(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialWS(t, srv, nil)

	streamID := uuid.New()
	writeWSText(t, conn, fmt.Sprintf(`{"type":"start","id":"%s","meta":{"binary":true}}`, streamID))
	writeWSText(t, conn, fmt.Sprintf(`{"type":"chunk","id":"%s","index":0,"data":"text on a binary stream"}`, streamID))

	frame := readStreamFrame(t, conn, streamID.String(), StreamTypeError)
	require.NotNil(t, frame.Error)
	assert.Equal(t, CodeTransportError, frame.Error.Code)
	assert.Equal(t, "Text chunk on binary stream", frame.Error.Message)
}

func TestStreamDataAfterDone(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialWS(t, srv, nil)

	streamID := uuid.New()
	writeWSText(t, conn, fmt.Sprintf(`{"type":"start","id":"%s","meta":{"binary":false}}`, streamID))
	writeWSText(t, conn, fmt.Sprintf(`{"type":"done","id":"%s"}`, streamID))
	writeWSText(t, conn, fmt.Sprintf(`{"type":"chunk","id":"%s","index":1,"data":"late"}`, streamID))

	frame := readStreamFrame(t, conn, streamID.String(), StreamTypeError)
	require.NotNil(t, frame.Error)
	assert.Equal(t, "Stream already completed", frame.Error.Message)
}

func TestStreamIdleTimeout(t *testing.T) {
	s := NewServer(Options{
		Info:              ServerInfo{Name: "waggle-test", Version: "0.0.1"},
		StreamIdleTimeout: 100 * time.Millisecond,
	})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialWS(t, srv, nil)

	streamID := uuid.New()
	writeWSText(t, conn, fmt.Sprintf(`{"type":"start","id":"%s","meta":{"binary":true}}`, streamID))

	frame := readStreamFrame(t, conn, streamID.String(), StreamTypeError)
	require.NotNil(t, frame.Error)
	assert.Equal(t, "Stream timeout", frame.Error.Message)
}

func TestShortBinaryFrameFailsSoleActiveStream(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialWS(t, srv, nil)

	streamID := uuid.New()
	writeWSText(t, conn, fmt.Sprintf(`{"type":"start","id":"%s","meta":{"binary":true}}`, streamID))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("tiny")))

	frame := readStreamFrame(t, conn, streamID.String(), StreamTypeError)
	require.NotNil(t, frame.Error)
	assert.Contains(t, frame.Error.Message, "Binary frame too short")
}
