package mcp

import "sync"

// defaultBufferSize is how many events a stream retains for replay when no
// explicit size is configured.
const defaultBufferSize = 100

// Event is one SSE event as recorded for replay: the wire ID, the event
// name and the raw data payload.
type Event struct {
	ID   string
	Name string
	Data []byte
}

// messageBuffer is a bounded FIFO of delivered events. When full, the
// oldest event is dropped to admit the newest.
type messageBuffer struct {
	mu   sync.Mutex
	max  int
	evts []Event
}

func newMessageBuffer(max int) *messageBuffer {
	if max <= 0 {
		max = defaultBufferSize
	}
	return &messageBuffer{max: max, evts: make([]Event, 0, max)}
}

// add records an event, evicting the oldest if the buffer is at capacity.
func (b *messageBuffer) add(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.evts) == b.max {
		copy(b.evts, b.evts[1:])
		b.evts = b.evts[:b.max-1]
	}
	b.evts = append(b.evts, e)
}

// after returns the events recorded after the event with the given ID. If
// the ID is empty or no longer in the buffer the whole buffer is returned,
// so reconnecting clients that fell behind still converge.
func (b *messageBuffer) after(id string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := 0
	if id != "" {
		for i, e := range b.evts {
			if e.ID == id {
				start = i + 1
				break
			}
		}
	}
	out := make([]Event, len(b.evts)-start)
	copy(out, b.evts[start:])
	return out
}

// len reports how many events are currently buffered.
func (b *messageBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.evts)
}
