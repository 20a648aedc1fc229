package mcp

// Capability is a bitset describing what a catalog entry needs from its
// transport. Entries with no bits set are treated as Standard.
type Capability uint8

const (
	// CapabilityStandard marks plain request/response entries.
	CapabilityStandard Capability = 1 << iota
	// CapabilityTextStreaming marks entries that emit incremental text.
	CapabilityTextStreaming
	// CapabilityBinaryStreaming marks entries that emit binary chunks.
	CapabilityBinaryStreaming
	// CapabilityRequiresWebSocket marks entries usable only over WebSocket.
	CapabilityRequiresWebSocket
)

// Has reports whether all bits in want are set.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// normalize maps a zero capability to Standard so registration code can
// leave the field unset for ordinary entries.
func (c Capability) normalize() Capability {
	if c == 0 {
		return CapabilityStandard
	}
	return c
}

// TransportKind identifies the transport a request arrived on.
type TransportKind int

const (
	TransportStdio TransportKind = iota
	TransportHTTP
	TransportSSE
	TransportWebSocket
)

func (t TransportKind) String() string {
	switch t {
	case TransportStdio:
		return "stdio"
	case TransportHTTP:
		return "http"
	case TransportSSE:
		return "sse"
	case TransportWebSocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// transportMask returns the capabilities a transport can satisfy. Entries
// that share no bits with the mask are hidden from list results on that
// transport and rejected if called anyway.
func transportMask(t TransportKind) Capability {
	switch t {
	case TransportWebSocket:
		return CapabilityStandard | CapabilityTextStreaming | CapabilityBinaryStreaming | CapabilityRequiresWebSocket
	case TransportSSE:
		return CapabilityStandard | CapabilityTextStreaming
	default:
		// stdio and plain HTTP carry complete responses only.
		return CapabilityStandard
	}
}

// visibleOn reports whether an entry with capability c may be listed and
// called on transport t. Any overlapping bit keeps the entry visible, so a
// tool offering both Standard and TextStreaming modes still lists on plain
// HTTP and simply runs in its non-streaming mode there.
func visibleOn(c Capability, t TransportKind) bool {
	return c.normalize()&transportMask(t) != 0
}

// callableOn reports whether an entry with capability c may be invoked on
// transport t. Visibility is necessary but not sufficient: an entry that
// requires WebSocket can still be listed through one of its other modes,
// yet only runs on an actual WebSocket connection.
func callableOn(c Capability, t TransportKind) bool {
	if !visibleOn(c, t) {
		return false
	}
	return !c.Has(CapabilityRequiresWebSocket) || t == TransportWebSocket
}
