package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilityNormalize(t *testing.T) {
	assert.Equal(t, CapabilityStandard, Capability(0).normalize())
	assert.Equal(t, CapabilityTextStreaming, CapabilityTextStreaming.normalize())
}

func TestTransportMask(t *testing.T) {
	tests := []struct {
		transport TransportKind
		cap       Capability
		visible   bool
	}{
		{TransportStdio, CapabilityStandard, true},
		{TransportStdio, CapabilityTextStreaming, false},
		{TransportStdio, CapabilityBinaryStreaming, false},
		{TransportHTTP, CapabilityStandard, true},
		{TransportHTTP, 0, true},
		{TransportHTTP, CapabilityTextStreaming, false},
		{TransportHTTP, CapabilityRequiresWebSocket, false},
		{TransportHTTP, CapabilityStandard | CapabilityTextStreaming, true},
		{TransportHTTP, CapabilityStandard | CapabilityRequiresWebSocket, true},
		{TransportHTTP, CapabilityTextStreaming | CapabilityBinaryStreaming, false},
		{TransportSSE, CapabilityStandard, true},
		{TransportSSE, CapabilityTextStreaming, true},
		{TransportSSE, CapabilityBinaryStreaming, false},
		{TransportSSE, CapabilityStandard | CapabilityTextStreaming, true},
		{TransportSSE, CapabilityTextStreaming | CapabilityBinaryStreaming, true},
		{TransportWebSocket, CapabilityStandard, true},
		{TransportWebSocket, CapabilityTextStreaming, true},
		{TransportWebSocket, CapabilityBinaryStreaming, true},
		{TransportWebSocket, CapabilityRequiresWebSocket, true},
		{TransportWebSocket, CapabilityTextStreaming | CapabilityBinaryStreaming, true},
	}

	for _, tt := range tests {
		got := visibleOn(tt.cap, tt.transport)
		assert.Equal(t, tt.visible, got, "capability %b on %s", tt.cap, tt.transport)
	}
}

func TestCallableOn(t *testing.T) {
	tests := []struct {
		transport TransportKind
		cap       Capability
		callable  bool
	}{
		{TransportHTTP, CapabilityStandard, true},
		{TransportHTTP, CapabilityBinaryStreaming, false},
		{TransportHTTP, CapabilityStandard | CapabilityRequiresWebSocket, false},
		{TransportSSE, CapabilityTextStreaming, true},
		{TransportSSE, CapabilityTextStreaming | CapabilityRequiresWebSocket, false},
		{TransportWebSocket, CapabilityRequiresWebSocket, true},
		{TransportWebSocket, CapabilityStandard | CapabilityRequiresWebSocket, true},
	}

	for _, tt := range tests {
		got := callableOn(tt.cap, tt.transport)
		assert.Equal(t, tt.callable, got, "capability %b on %s", tt.cap, tt.transport)
	}
}

func TestTransportKindString(t *testing.T) {
	assert.Equal(t, "stdio", TransportStdio.String())
	assert.Equal(t, "http", TransportHTTP.String())
	assert.Equal(t, "sse", TransportSSE.String())
	assert.Equal(t, "websocket", TransportWebSocket.String())
	assert.Equal(t, "unknown", TransportKind(99).String())
}
