package mcp

import (
	"strconv"
	"strings"
	"sync/atomic"
)

// eventSequence hands out the monotonically increasing counters behind SSE
// event IDs. Counters start at 1; zero never appears on the wire.
type eventSequence struct {
	n atomic.Uint64
}

func (s *eventSequence) next() uint64 {
	return s.n.Add(1)
}

// formatEventID renders an SSE event ID. Session-bound events use
// "{sessionID}-{n}"; sessionless broadcasts on the legacy stream use the
// bare counter.
func formatEventID(sessionID string, n uint64) string {
	if sessionID == "" {
		return strconv.FormatUint(n, 10)
	}
	return sessionID + "-" + strconv.FormatUint(n, 10)
}

// parseEventID splits an ID produced by formatEventID. Malformed IDs
// report ok=false; callers fall back to a full buffer replay rather than
// rejecting the request.
func parseEventID(id string) (sessionID string, n uint64, ok bool) {
	sep := strings.LastIndexByte(id, '-')
	if sep < 0 {
		n, err := strconv.ParseUint(id, 10, 64)
		return "", n, err == nil
	}
	if sep == 0 || sep == len(id)-1 {
		return "", 0, false
	}
	n, err := strconv.ParseUint(id[sep+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return id[:sep], n, true
}
