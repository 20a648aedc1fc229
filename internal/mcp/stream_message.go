package mcp

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// StreamMessage frame types exchanged over the WebSocket transport.
const (
	StreamTypeStart = "start"
	StreamTypeChunk = "chunk"
	StreamTypeDone  = "done"
	StreamTypeError = "error"
)

// StreamMessage is the text-frame envelope of the streaming sub-protocol.
// Binary chunks travel as raw WebSocket binary frames instead (see
// encodeBinaryChunk) and never appear as JSON.
type StreamMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Index   *uint64         `json:"index,omitempty"`
	Meta    *StreamMeta     `json:"meta,omitempty"`
	Data    string          `json:"data,omitempty"`
	Summary json.RawMessage `json:"summary,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// StreamMeta describes a stream announced by a start frame.
type StreamMeta struct {
	Method      string `json:"method,omitempty"`
	Binary      bool   `json:"binary"`
	Name        string `json:"name,omitempty"`
	Mime        string `json:"mime,omitempty"`
	TotalSize   int64  `json:"totalSize,omitempty"`
	Encoding    string `json:"encoding,omitempty"`
	Compression string `json:"compression,omitempty"`
}

// parseStreamMessage decodes and validates a text-frame StreamMessage.
func parseStreamMessage(data []byte) (*StreamMessage, error) {
	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed stream message: %w", err)
	}

	switch msg.Type {
	case StreamTypeStart, StreamTypeChunk, StreamTypeDone, StreamTypeError:
	default:
		return nil, fmt.Errorf("unknown stream message type %q", msg.Type)
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("stream message missing id")
	}
	if _, err := uuid.Parse(msg.ID); err != nil {
		return nil, fmt.Errorf("stream message id %q is not a UUID: %w", msg.ID, err)
	}
	return &msg, nil
}

// streamIndex returns the chunk index carried by the frame, or 0 when absent.
func (m *StreamMessage) streamIndex() uint64 {
	if m.Index == nil {
		return 0
	}
	return *m.Index
}

// Binary chunk framing. Each binary WebSocket frame starts with a fixed
// 24-byte header: the 16-byte RFC 4122 stream UUID followed by an 8-byte
// big-endian chunk index. The remainder is the payload.
const binaryHeaderSize = 24

// encodeBinaryChunk builds a single binary frame for the given stream.
func encodeBinaryChunk(id uuid.UUID, index uint64, payload []byte) []byte {
	frame := make([]byte, binaryHeaderSize+len(payload))
	copy(frame[:16], id[:])
	binary.BigEndian.PutUint64(frame[16:24], index)
	copy(frame[binaryHeaderSize:], payload)
	return frame
}

// decodeBinaryChunk splits a binary frame into its header fields and
// payload. The payload aliases the input frame; callers that retain it past
// the frame's lifetime must copy.
func decodeBinaryChunk(frame []byte) (id uuid.UUID, index uint64, payload []byte, err error) {
	if len(frame) < binaryHeaderSize {
		return uuid.Nil, 0, nil, fmt.Errorf("binary frame too short: %d bytes, need %d", len(frame), binaryHeaderSize)
	}
	copy(id[:], frame[:16])
	index = binary.BigEndian.Uint64(frame[16:24])
	return id, index, frame[binaryHeaderSize:], nil
}
