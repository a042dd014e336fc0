package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsInstancesDoNotCollide(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	a.StaleResults.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.StaleResults))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.StaleResults))
}

func TestObserveGeneration(t *testing.T) {
	m := NewMetrics()
	m.ObserveGeneration("IMAGE", "ready", 2*time.Second)
	m.ObserveGeneration("IMAGE", "failed", time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GenerationsTotal.WithLabelValues("IMAGE", "ready")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GenerationsTotal.WithLabelValues("IMAGE", "failed")))
}

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics()
	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/ping/:id", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping/42", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/ping/:id", "200")))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "dreamstream_http_requests_total"))
}

func TestNewLoggerFallsBackOnBadLevel(t *testing.T) {
	logger := NewLogger("chatty", false)
	require.NotNil(t, logger)
	assert.True(t, logger.Core().Enabled(0))
}
