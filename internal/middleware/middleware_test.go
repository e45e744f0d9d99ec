package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/annel0/terrain-streamer/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(t *testing.T) (*gin.Engine, *prometheus.Registry, *bytes.Buffer) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	reg := prometheus.NewRegistry()

	r := gin.New()
	r.Use(NewRequestLogger(logging.NewWriterLogger("api", &buf, logging.DEBUG)).Handler())
	pm := NewPrometheusMiddleware("test", reg)
	r.Use(pm.Handler())
	RegisterMetricsEndpoint(r, reg)
	r.GET("/ok", func(c *gin.Context) {
		_, ok := c.Get(TraceIDKey)
		assert.True(t, ok)
		c.String(http.StatusOK, "ok")
	})
	r.GET("/fail", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })
	return r, reg, &buf
}

func TestRequestLoggerSetsTraceID(t *testing.T) {
	r, _, buf := newRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	require.Equal(t, http.StatusOK, w.Code)

	traceID := w.Header().Get("X-Trace-Id")
	require.Len(t, traceID, 36)
	assert.Contains(t, buf.String(), "GET /ok 200")
	assert.Contains(t, buf.String(), traceID)
}

func TestPrometheusMiddleware(t *testing.T) {
	r, reg, buf := newRouter(t)

	for _, path := range []string{"/ok", "/ok", "/fail", "/missing"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	assert.Contains(t, buf.String(), "ERROR")

	expected := `
# HELP test_http_request_errors_total Число запросов, завершившихся ошибкой (4xx/5xx).
# TYPE test_http_request_errors_total counter
test_http_request_errors_total{method="GET",path="/fail",status="500"} 1
test_http_request_errors_total{method="GET",path="unmatched",status="404"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_http_request_errors_total"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_http_request_duration_seconds_count")
}
