package mcp

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultSessionTimeout = 30 * time.Minute
	sessionSweepInterval  = time.Minute
)

// logSeverity orders the MCP logging levels for per-session filtering.
var logSeverity = map[string]int{
	"debug":     0,
	"info":      1,
	"notice":    2,
	"warning":   3,
	"error":     4,
	"critical":  5,
	"alert":     6,
	"emergency": 7,
}

// Session is one initialized client. It owns the event sequence and replay
// buffer backing the session's SSE stream.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu              sync.Mutex
	lastActive      time.Time
	protocolVersion string
	logLevel        string

	seq    eventSequence
	buffer *messageBuffer
}

// touch marks the session as active now.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// idleFor reports how long the session has been inactive.
func (s *Session) idleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActive)
}

// setProtocolVersion records the version negotiated at initialize.
func (s *Session) setProtocolVersion(v string) {
	s.mu.Lock()
	s.protocolVersion = v
	s.mu.Unlock()
}

// ProtocolVersion returns the version negotiated at initialize.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// setLogLevel stores the minimum level for notifications/message delivery.
func (s *Session) setLogLevel(level string) {
	s.mu.Lock()
	s.logLevel = level
	s.mu.Unlock()
}

// allowsLevel reports whether a log notification at the given level should
// reach this session. Sessions that never called logging/setLevel receive
// everything.
func (s *Session) allowsLevel(level string) bool {
	s.mu.Lock()
	min := s.logLevel
	s.mu.Unlock()
	if min == "" {
		return true
	}
	want, ok := logSeverity[level]
	if !ok {
		return true
	}
	return want >= logSeverity[min]
}

// record assigns the next event ID for this session, stores the event for
// replay and returns it ready for delivery.
func (s *Session) record(name string, data []byte) Event {
	e := Event{
		ID:   formatEventID(s.ID, s.seq.next()),
		Name: name,
		Data: data,
	}
	s.buffer.add(e)
	return e
}

// replayAfter returns the buffered events recorded after lastID, or the
// whole buffer when lastID is unknown.
func (s *Session) replayAfter(lastID string) []Event {
	return s.buffer.after(lastID)
}

// sessionRegistry tracks live sessions and expires idle ones.
type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	timeout    time.Duration
	sweepEvery time.Duration
	bufSize    int
	logger     *zap.Logger
	onExpire   func(*Session)
}

func newSessionRegistry(timeout time.Duration, bufSize int, logger *zap.Logger) *sessionRegistry {
	if timeout <= 0 {
		timeout = defaultSessionTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &sessionRegistry{
		sessions:   make(map[string]*Session),
		timeout:    timeout,
		sweepEvery: sessionSweepInterval,
		bufSize:    bufSize,
		logger:     logger,
	}
}

// setExpireListener installs fn to run for every session the sweeper (or an
// explicit remove) retires. Used to tear down streams and subscriptions.
func (r *sessionRegistry) setExpireListener(fn func(*Session)) {
	r.mu.Lock()
	r.onExpire = fn
	r.mu.Unlock()
}

// create mints a new session with a fresh 32-hex ID.
func (r *sessionRegistry) create() *Session {
	u := uuid.New()
	now := time.Now()
	s := &Session{
		ID:         hex.EncodeToString(u[:]),
		CreatedAt:  now,
		lastActive: now,
		buffer:     newMessageBuffer(r.bufSize),
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	r.logger.Debug("session created", zap.String("session", s.ID))
	return s
}

// get returns the session and marks it active.
func (r *sessionRegistry) get(id string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		s.touch()
	}
	return s, ok
}

// peek returns the session without refreshing its idle clock. Server-push
// delivery uses this so notifications alone never keep a session alive.
func (r *sessionRegistry) peek(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// remove deletes a session, firing the expire listener if it existed.
func (r *sessionRegistry) remove(id string) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	fn := r.onExpire
	r.mu.Unlock()
	if ok && fn != nil {
		fn(s)
	}
	return s, ok
}

// count reports how many sessions are live.
func (r *sessionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// all returns a snapshot of the live sessions.
func (r *sessionRegistry) all() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	return out
}

// sweep removes every session idle past the timeout.
func (r *sessionRegistry) sweep(now time.Time) {
	var expired []*Session
	r.mu.Lock()
	for id, s := range r.sessions {
		if s.idleFor(now) > r.timeout {
			delete(r.sessions, id)
			expired = append(expired, s)
		}
	}
	fn := r.onExpire
	r.mu.Unlock()

	for _, s := range expired {
		r.logger.Info("session expired",
			zap.String("session", s.ID),
			zap.Duration("idle", s.idleFor(now)))
		if fn != nil {
			fn(s)
		}
	}
}

// run sweeps periodically until ctx is cancelled.
func (r *sessionRegistry) run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}
