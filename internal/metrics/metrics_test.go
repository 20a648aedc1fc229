package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/waggle/internal/mcp"
)

func TestMiddlewareRecordsRequests(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTeapot, rec.Code)
	count := testutil.ToFloat64(RequestsTotal.WithLabelValues("GET", "/health", "418"))
	assert.Equal(t, float64(1), count)
}

func TestMiddlewareDefaultsToOK(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hi")) // implicit 200
	}))

	req := httptest.NewRequest("POST", "/rpc", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	count := testutil.ToFloat64(RequestsTotal.WithLabelValues("POST", "/rpc", "200"))
	assert.Equal(t, float64(1), count)
}

func TestMiddlewarePreservesFlusher(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, ok := w.(http.Flusher)
		require.True(t, ok, "SSE handlers need the flusher through the middleware")
		f.Flush()
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/sse", nil))
	assert.True(t, rec.Flushed)
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"/mcp":             "/mcp",
		"/ws":              "/ws",
		"/rpc":             "/rpc",
		"/sse":             "/sse",
		"/health":          "/health",
		"/metrics":         "/metrics",
		"/mcp/extra":       "other",
		"/favicon.ico":     "other",
		"/sessions/abc123": "other",
	}
	for path, want := range cases {
		assert.Equal(t, want, normalizePath(path), path)
	}
}

func TestHooksRecordOutcomes(t *testing.T) {
	call := mcp.CallInfo{Kind: "tool", Name: "metrics_probe", Transport: mcp.TransportHTTP}

	var h Hooks
	require.NoError(t, h.OnInvoking(context.Background(), call))
	h.OnCompleted(call, nil, 5*time.Millisecond)
	h.OnCompleted(call, nil, 7*time.Millisecond)
	h.OnFailed(call, assert.AnError, 2*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(ToolCalls.WithLabelValues("tool", "metrics_probe", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(ToolCalls.WithLabelValues("tool", "metrics_probe", "error")))
}

func TestRecordNotification(t *testing.T) {
	RecordNotification("notifications/tools/list_changed")
	RecordNotification("notifications/tools/list_changed")

	count := testutil.ToFloat64(NotificationsTotal.WithLabelValues("notifications/tools/list_changed"))
	assert.Equal(t, float64(2), count)
}

func TestRegisterStatsGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	registerStatsOn(reg, func() mcp.Stats {
		return mcp.Stats{Sessions: 3, SSEStreams: 2, LegacyStreams: 1, WSConnections: 4}
	})

	expected := strings.NewReader(`
# HELP waggle_active_sessions Number of live sessions
# TYPE waggle_active_sessions gauge
waggle_active_sessions 3
# HELP waggle_sse_streams Number of open session SSE streams
# TYPE waggle_sse_streams gauge
waggle_sse_streams 2
# HELP waggle_legacy_streams Number of open sessionless SSE streams
# TYPE waggle_legacy_streams gauge
waggle_legacy_streams 1
# HELP waggle_ws_connections Number of open WebSocket connections
# TYPE waggle_ws_connections gauge
waggle_ws_connections 4
`)
	require.NoError(t, testutil.GatherAndCompare(reg, expected,
		"waggle_active_sessions", "waggle_sse_streams", "waggle_legacy_streams", "waggle_ws_connections"))
}
