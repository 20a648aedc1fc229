package mcp

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/waggle/pkg/events"
)

// Options configures a Server. Zero values fall back to the documented
// defaults.
type Options struct {
	// Info names this server in initialize responses.
	Info ServerInfo
	// Logger receives server diagnostics; nil means no logging.
	Logger *zap.Logger
	// SessionTimeout expires idle sessions (default 30m).
	SessionTimeout time.Duration
	// SweepInterval paces the idle-session sweeper (default 1m).
	SweepInterval time.Duration
	// BufferSize bounds each session's replay buffer (default 100).
	BufferSize int
	// KeepAliveInterval paces SSE keep-alive comments (default 30s).
	KeepAliveInterval time.Duration
	// StreamIdleTimeout fails silent WebSocket streams (default 30s).
	StreamIdleTimeout time.Duration
	// AuthToken, when set, requires clients to present it as a bearer
	// token (or access_token query parameter for EventSource clients).
	AuthToken string
	// Hooks observe user procedure calls in registration order.
	Hooks []Hooks
	// MetricsHandler, when set, is mounted at /metrics.
	MetricsHandler http.Handler
	// Bus receives gateway activity events (sessions, calls, streams).
	Bus *events.EventBus
	// RateLimitRPS throttles each client IP when > 0.
	RateLimitRPS float64
	// RateLimitBurst caps the burst per client (default 20).
	RateLimitBurst int
}

// Server is the MCP gateway engine: one Streamable HTTP surface, one
// WebSocket surface and the deprecated /rpc and /sse endpoints, all
// dispatching into a shared catalog.
type Server struct {
	info   ServerInfo
	logger *zap.Logger

	catalog    *Catalog
	sessions   *sessionRegistry
	streams    *streamRegistry
	subs       *subscriptionRegistry
	wsConns    *wsRegistry
	router     *router
	dispatcher *dispatcher
	hooks      *hookRunner

	routes   *mux.Router
	upgrader websocket.Upgrader

	authToken         string
	streamIdleTimeout time.Duration
	streamAcceptor    func(ctx context.Context, stream *InboundStream) (interface{}, error)
	bus               *events.EventBus
	rateLimiter       *RateLimiter

	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc
	startTime  time.Time
}

// NewServer wires the registries, dispatcher and routes. Register catalog
// entries through Catalog() before serving traffic.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Info.Name == "" {
		opts.Info.Name = "waggle"
	}
	if opts.StreamIdleTimeout <= 0 {
		opts.StreamIdleTimeout = defaultStreamIdleTimeout
	}
	if opts.Bus != nil {
		opts.Hooks = append(opts.Hooks, busHooks{bus: opts.Bus})
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		info:              opts.Info,
		logger:            logger,
		catalog:           NewCatalog(),
		sessions:          newSessionRegistry(opts.SessionTimeout, opts.BufferSize, logger),
		streams:           newStreamRegistry(opts.KeepAliveInterval, logger),
		subs:              newSubscriptionRegistry(),
		wsConns:           newWSRegistry(),
		hooks:             newHookRunner(opts.Hooks, logger),
		authToken:         opts.AuthToken,
		streamIdleTimeout: opts.StreamIdleTimeout,
		bus:               opts.Bus,
		ctx:               ctx,
		cancel:            cancel,
		startTime:         time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	if opts.SweepInterval > 0 {
		s.sessions.sweepEvery = opts.SweepInterval
	}
	if opts.RateLimitRPS > 0 {
		s.rateLimiter = NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst)
	}
	s.router = newRouter(s.sessions, s.streams, s.subs, s.wsConns, logger)
	s.dispatcher = newDispatcher(s.catalog, s.subs, s.hooks, opts.Info, logger)

	s.sessions.setExpireListener(func(sess *Session) {
		s.streams.dropSession(sess.ID)
		s.subs.dropSession(sess.ID)
		s.publish(events.SessionExpired, sess.ID, nil)
	})
	s.catalog.SetChangeListener(func(kind string) {
		s.router.listChanged(kind)
		s.publish(events.NotificationSent, "", map[string]interface{}{
			"method": "notifications/" + kind + "/list_changed",
		})
	})

	s.setupRoutes(opts.MetricsHandler)
	return s
}

func (s *Server) setupRoutes(metrics http.Handler) {
	r := mux.NewRouter()

	r.HandleFunc("/mcp", s.handleMCPPost).Methods("POST")
	r.HandleFunc("/mcp", s.handleMCPGet).Methods("GET")
	r.HandleFunc("/mcp", s.handleMCPDelete).Methods("DELETE")

	r.HandleFunc("/ws", s.handleWebSocket)

	// Deprecated surfaces kept for clients predating session support.
	r.HandleFunc("/rpc", s.handleLegacyRPC).Methods("POST")
	r.HandleFunc("/sse", s.handleLegacySSE).Methods("GET")

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods("GET")
	}

	s.routes = r
}

// Catalog returns the registry tools, prompts and resources are added to.
func (s *Server) Catalog() *Catalog {
	return s.catalog
}

// SetStreamAcceptor installs the handler for client-initiated streams
// whose start frame names no method.
func (s *Server) SetStreamAcceptor(fn func(ctx context.Context, stream *InboundStream) (interface{}, error)) {
	s.streamAcceptor = fn
}

// NotifyResourceUpdated pushes notifications/resources/updated for uri to
// its subscribers.
func (s *Server) NotifyResourceUpdated(uri string) {
	s.router.resourceUpdated(uri)
	s.publish(events.NotificationSent, "", map[string]interface{}{
		"method": "notifications/resources/updated",
		"uri":    uri,
	})
}

// PublishLog broadcasts a notifications/message event to every client
// whose session level admits it.
func (s *Server) PublishLog(level, loggerName string, data interface{}) {
	s.router.logMessage(level, loggerName, data)
	s.publish(events.NotificationSent, "", map[string]interface{}{
		"method": "notifications/message",
		"level":  level,
	})
}

// Handler returns the routed HTTP handler with CORS and any configured
// rate limiting applied. Useful for mounting the server inside another
// mux or an httptest server.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.routes
	if s.rateLimiter != nil {
		h = rateLimitMiddleware(s.rateLimiter, h)
	}
	return corsMiddleware(h)
}

// Run serves addr until ctx is cancelled, then drains streams and shuts
// the listener down.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.sessions.run(ctx)
		return nil
	})
	g.Go(func() error {
		s.streams.run(ctx)
		return nil
	})
	if s.rateLimiter != nil {
		g.Go(func() error {
			ticker := time.NewTicker(10 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					s.rateLimiter.Reset()
				}
			}
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		s.drain()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		s.logger.Info("mcp server listening", zap.String("addr", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	err := g.Wait()
	s.cancel()
	return err
}

// drain releases every long-lived connection so Shutdown can complete.
func (s *Server) drain() {
	for _, stream := range s.streams.snapshot() {
		s.streams.detach(stream)
	}
	s.wsConns.closeAll()
}

// Stats is a point-in-time view of the server's live state.
type Stats struct {
	Sessions      int
	SSEStreams    int
	LegacyStreams int
	WSConnections int
	Uptime        time.Duration
}

func (s *Server) Stats() Stats {
	sse, legacy := s.streams.counts()
	return Stats{
		Sessions:      s.sessions.count(),
		SSEStreams:    sse,
		LegacyStreams: legacy,
		WSConnections: s.wsConns.count(),
		Uptime:        time.Since(s.startTime),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"name":     s.info.Name,
		"version":  s.info.Version,
		"sessions": stats.Sessions,
		"streams": map[string]int{
			"sse":       stats.SSEStreams,
			"legacy":    stats.LegacyStreams,
			"websocket": stats.WSConnections,
		},
		"uptime": stats.Uptime.String(),
	})
}

// authorized checks the configured bearer token. EventSource clients
// cannot set headers, so the token is also accepted as a query parameter.
func (s *Server) authorized(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}
	return r.URL.Query().Get("access_token") == s.authToken
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id, MCP-Protocol-Version, Last-Event-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
