package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the stream gateway.
type Metrics struct {
	registry            *prometheus.Registry
	requestsTotal       prometheus.Counter
	errorsTotal         prometheus.Counter
	streamsStartedTotal prometheus.Counter
	streamsStoppedTotal *prometheus.CounterVec
	startFailuresTotal  *prometheus.CounterVec
	healthAnomalies     *prometheus.CounterVec
	activeStreams       prometheus.Gauge
}

// New creates and registers Prometheus metrics for the gateway.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	streamsStartedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_streams_started_total",
		Help: "Total number of streams that reached the active state",
	})
	streamsStoppedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_streams_stopped_total",
		Help: "Total number of active streams torn down, by reason",
	}, []string{"reason"})
	startFailuresTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_stream_start_failures_total",
		Help: "Total number of rejected or failed start requests, by reason",
	}, []string{"reason"})
	healthAnomalies := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_stream_health_anomalies_total",
		Help: "Health poll observations of a missing or stalled manifest, by kind",
	}, []string{"kind"})
	activeStreams := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_streams",
		Help: "Number of streams currently registered as active",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		streamsStartedTotal,
		streamsStoppedTotal,
		startFailuresTotal,
		healthAnomalies,
		activeStreams,
	)

	return &Metrics{
		registry:            registry,
		requestsTotal:       requestsTotal,
		errorsTotal:         errorsTotal,
		streamsStartedTotal: streamsStartedTotal,
		streamsStoppedTotal: streamsStoppedTotal,
		startFailuresTotal:  startFailuresTotal,
		healthAnomalies:     healthAnomalies,
		activeStreams:       activeStreams,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncStreamsStarted increments the started streams counter.
func (m *Metrics) IncStreamsStarted() {
	m.streamsStartedTotal.Inc()
}

// IncStreamsStopped records a teardown with its reason (stopped, exited, timeout, shutdown).
func (m *Metrics) IncStreamsStopped(reason string) {
	m.streamsStoppedTotal.WithLabelValues(reason).Inc()
}

// IncStartFailures records a failed start request with its error kind.
func (m *Metrics) IncStartFailures(reason string) {
	m.startFailuresTotal.WithLabelValues(reason).Inc()
}

// IncHealthAnomalies records a health poll anomaly (missing, stalled, unreadable).
func (m *Metrics) IncHealthAnomalies(kind string) {
	m.healthAnomalies.WithLabelValues(kind).Inc()
}

// SetActiveStreams sets the active streams gauge.
func (m *Metrics) SetActiveStreams(n int) {
	m.activeStreams.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active streams).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
