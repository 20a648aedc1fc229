package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/standardbeagle/waggle/internal/mcp"
)

var (
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waggle_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "waggle_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ToolCalls tracks procedure invocations by outcome
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waggle_tool_calls_total",
			Help: "Total number of tool, prompt and resource invocations",
		},
		[]string{"kind", "name", "status"},
	)

	// ToolDuration tracks procedure handler latency
	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "waggle_tool_duration_seconds",
			Help:    "Procedure handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "name"},
	)

	// NotificationsTotal counts server-initiated notifications by method
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waggle_notifications_total",
			Help: "Total number of server-initiated notifications",
		},
		[]string{"method"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/mcp", "/ws", "/rpc", "/sse", "/health", "/metrics":
		return path
	default:
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RegisterStats exposes the server's live gauges through the default
// registry. Call once at startup.
func RegisterStats(stats func() mcp.Stats) {
	registerStatsOn(prometheus.DefaultRegisterer, stats)
}

func registerStatsOn(reg prometheus.Registerer, stats func() mcp.Stats) {
	factory := promauto.With(reg)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "waggle_active_sessions",
		Help: "Number of live sessions",
	}, func() float64 { return float64(stats().Sessions) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "waggle_sse_streams",
		Help: "Number of open session SSE streams",
	}, func() float64 { return float64(stats().SSEStreams) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "waggle_legacy_streams",
		Help: "Number of open sessionless SSE streams",
	}, func() float64 { return float64(stats().LegacyStreams) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "waggle_ws_connections",
		Help: "Number of open WebSocket connections",
	}, func() float64 { return float64(stats().WSConnections) })
}

// Hooks records procedure call outcomes. Install it through
// mcp.Options.Hooks.
type Hooks struct{}

func (Hooks) OnInvoking(ctx context.Context, call mcp.CallInfo) error { return nil }

func (Hooks) OnCompleted(call mcp.CallInfo, result interface{}, took time.Duration) {
	ToolCalls.WithLabelValues(call.Kind, call.Name, "ok").Inc()
	ToolDuration.WithLabelValues(call.Kind, call.Name).Observe(took.Seconds())
}

func (Hooks) OnFailed(call mcp.CallInfo, err error, took time.Duration) {
	ToolCalls.WithLabelValues(call.Kind, call.Name, "error").Inc()
	ToolDuration.WithLabelValues(call.Kind, call.Name).Observe(took.Seconds())
}

// RecordNotification counts one outbound notification.
func RecordNotification(method string) {
	NotificationsTotal.WithLabelValues(method).Inc()
}
