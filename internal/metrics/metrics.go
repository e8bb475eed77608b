package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Each instance owns its registry so
// servers in tests do not collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsCreated *prometheus.CounterVec
	SessionsEnded   *prometheus.CounterVec
	SpawnFailures   prometheus.Counter
	SessionDuration prometheus.Histogram

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec
	RelayedBytes  *prometheus.CounterVec

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates the collectors. activeSessions is sampled on every scrape.
func New(activeSessions func() int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		SessionsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pocketide_sessions_created_total",
				Help: "Total number of terminal sessions started",
			},
			[]string{"kind"},
		),
		SessionsEnded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pocketide_sessions_ended_total",
				Help: "Total number of terminal sessions ended, by reason",
			},
			[]string{"reason"},
		),
		SpawnFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pocketide_spawn_failures_total",
				Help: "Total number of terminal creations that failed",
			},
		),
		SessionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pocketide_session_duration_seconds",
				Help:    "Lifetime of terminal sessions in seconds",
				Buckets: []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 12 * 3600},
			},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pocketide_ws_connections",
				Help: "Number of open WebSocket connections",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pocketide_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),
		RelayedBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pocketide_relayed_bytes_total",
				Help: "Bytes relayed between clients and terminals",
			},
			[]string{"direction"},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pocketide_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pocketide_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
	}

	if activeSessions != nil {
		factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "pocketide_sessions_active",
				Help: "Number of live terminal sessions",
			},
			func() float64 { return float64(activeSessions()) },
		)
	}

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordRequest(method, route string, status int, d time.Duration) {
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) RecordSessionStarted(identified bool) {
	kind := "anonymous"
	if identified {
		kind = "identified"
	}
	m.SessionsCreated.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordSessionEnded(reason string, lifetime time.Duration) {
	m.SessionsEnded.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(lifetime.Seconds())
}

func (m *Metrics) RecordSpawnFailure() {
	m.SpawnFailures.Inc()
}

func (m *Metrics) RecordMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) RecordRelayed(direction string, n int) {
	m.RelayedBytes.WithLabelValues(direction).Add(float64(n))
}
