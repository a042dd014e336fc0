package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so several servers (and tests) can live in
// one process.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	GenerationsTotal   *prometheus.CounterVec
	GenerationDuration *prometheus.HistogramVec
	GenerationsRunning prometheus.Gauge
	StaleResults       prometheus.Counter
	UtterancesTotal    *prometheus.CounterVec
	CredentialPrompts  prometheus.Counter
	SessionsTotal      prometheus.Counter
	CaptureConnections prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dreamstream_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dreamstream_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		GenerationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dreamstream_generations_total",
				Help: "Finished generations by media kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		GenerationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dreamstream_generation_duration_seconds",
				Help:    "Generator call duration in seconds",
				Buckets: []float64{.5, 1, 2.5, 5, 10, 20, 40, 80, 160, 320},
			},
			[]string{"kind"},
		),
		GenerationsRunning: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "dreamstream_generations_in_flight",
				Help: "Generations waiting for the generator",
			},
		),
		StaleResults: f.NewCounter(
			prometheus.CounterOpts{
				Name: "dreamstream_stale_results_total",
				Help: "Generation results discarded because their item left the timeline",
			},
		),
		UtterancesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dreamstream_utterances_total",
				Help: "Interpreted utterances by resulting command",
			},
			[]string{"command"},
		),
		CredentialPrompts: f.NewCounter(
			prometheus.CounterOpts{
				Name: "dreamstream_credential_prompts_total",
				Help: "Times the user was asked to select an API key",
			},
		),
		SessionsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "dreamstream_sessions_created_total",
				Help: "Sessions created",
			},
		),
		CaptureConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "dreamstream_capture_connections",
				Help: "Open capture WebSocket connections",
			},
		),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveGeneration records one finished generator call.
func (m *Metrics) ObserveGeneration(kind, outcome string, d time.Duration) {
	m.GenerationsTotal.WithLabelValues(kind, outcome).Inc()
	m.GenerationDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// Middleware records request counts and latency labelled by route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		m.RequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.RequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
