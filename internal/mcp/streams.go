package mcp

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultKeepAliveInterval = 30 * time.Second

// sseStream is one live SSE connection. Writes are serialized by mu so a
// broadcast and the keep-alive ticker never interleave frames.
type sseStream struct {
	sessionID string // empty for legacy sessionless streams
	w         http.ResponseWriter
	flusher   http.Flusher

	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newSSEStream(sessionID string, w http.ResponseWriter, flusher http.Flusher) *sseStream {
	return &sseStream{
		sessionID: sessionID,
		w:         w,
		flusher:   flusher,
		done:      make(chan struct{}),
	}
}

// send writes one SSE event and flushes it.
func (s *sseStream) send(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID != "" {
		if _, err := fmt.Fprintf(s.w, "id: %s\n", e.ID); err != nil {
			return err
		}
	}
	if e.Name != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", e.Name); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", e.Data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// comment writes an SSE comment line. Used for keep-alives; clients ignore
// comment frames.
func (s *sseStream) comment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// close releases the handler goroutine blocked on done.
func (s *sseStream) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// streamRegistry tracks the live SSE connections: session-bound streams
// opened by GET /mcp and sessionless legacy streams opened by GET /sse.
type streamRegistry struct {
	mu        sync.RWMutex
	bySession map[string][]*sseStream
	legacy    map[*sseStream]struct{}

	globalSeq eventSequence
	keepAlive time.Duration
	logger    *zap.Logger
}

func newStreamRegistry(keepAlive time.Duration, logger *zap.Logger) *streamRegistry {
	if keepAlive <= 0 {
		keepAlive = defaultKeepAliveInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &streamRegistry{
		bySession: make(map[string][]*sseStream),
		legacy:    make(map[*sseStream]struct{}),
		keepAlive: keepAlive,
		logger:    logger,
	}
}

// attach registers a session-bound stream.
func (r *streamRegistry) attach(s *sseStream) {
	r.mu.Lock()
	r.bySession[s.sessionID] = append(r.bySession[s.sessionID], s)
	r.mu.Unlock()
}

// attachLegacy registers a sessionless stream.
func (r *streamRegistry) attachLegacy(s *sseStream) {
	r.mu.Lock()
	r.legacy[s] = struct{}{}
	r.mu.Unlock()
}

// detach removes a stream from the registry and closes it.
func (r *streamRegistry) detach(s *sseStream) {
	r.mu.Lock()
	if s.sessionID == "" {
		delete(r.legacy, s)
	} else {
		streams := r.bySession[s.sessionID]
		for i, cur := range streams {
			if cur == s {
				streams = append(streams[:i], streams[i+1:]...)
				break
			}
		}
		if len(streams) == 0 {
			delete(r.bySession, s.sessionID)
		} else {
			r.bySession[s.sessionID] = streams
		}
	}
	r.mu.Unlock()
	s.close()
}

// dropSession closes every stream attached to the session.
func (r *streamRegistry) dropSession(sessionID string) {
	r.mu.Lock()
	streams := r.bySession[sessionID]
	delete(r.bySession, sessionID)
	r.mu.Unlock()
	for _, s := range streams {
		s.close()
	}
}

// deliver records the event in the session's replay buffer and pushes it
// to the session's live streams. Streams whose writes fail are evicted;
// the event stays buffered for replay either way.
func (r *streamRegistry) deliver(sess *Session, name string, data []byte) {
	e := sess.record(name, data)

	r.mu.RLock()
	streams := append([]*sseStream(nil), r.bySession[sess.ID]...)
	r.mu.RUnlock()

	for _, s := range streams {
		if err := s.send(e); err != nil {
			r.logger.Debug("evicting failed stream",
				zap.String("session", sess.ID), zap.Error(err))
			r.detach(s)
		}
	}
}

// broadcastLegacy pushes an event with a global counter ID to every
// sessionless stream. Legacy streams have no replay buffer.
func (r *streamRegistry) broadcastLegacy(name string, data []byte) {
	e := Event{
		ID:   formatEventID("", r.globalSeq.next()),
		Name: name,
		Data: data,
	}

	r.mu.RLock()
	streams := make([]*sseStream, 0, len(r.legacy))
	for s := range r.legacy {
		streams = append(streams, s)
	}
	r.mu.RUnlock()

	for _, s := range streams {
		if err := s.send(e); err != nil {
			r.logger.Debug("evicting failed legacy stream", zap.Error(err))
			r.detach(s)
		}
	}
}

// snapshot returns every live stream, session-bound and legacy.
func (r *streamRegistry) snapshot() []*sseStream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*sseStream, 0, len(r.legacy))
	for _, streams := range r.bySession {
		out = append(out, streams...)
	}
	for s := range r.legacy {
		out = append(out, s)
	}
	return out
}

// counts reports live session-bound and legacy stream totals.
func (r *streamRegistry) counts() (session, legacy int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, streams := range r.bySession {
		session += len(streams)
	}
	return session, len(r.legacy)
}

// run emits keep-alive comments on every live stream until ctx is
// cancelled, evicting streams whose writes fail.
func (r *streamRegistry) run(ctx context.Context) {
	ticker := time.NewTicker(r.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range r.snapshot() {
				if err := s.comment("keep-alive"); err != nil {
					r.detach(s)
				}
			}
		}
	}
}
