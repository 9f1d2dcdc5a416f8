package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the playout engine.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
	requestSeconds  *prometheus.HistogramVec
	commandsSent    *prometheus.CounterVec
	commandsDropped *prometheus.CounterVec
	reconnectsTotal prometheus.Counter
	listQueries     *prometheus.CounterVec
	connectionState prometheus.Gauge
	activeLayers    prometheus.Gauge
	intentsTotal    *prometheus.CounterVec
}

// New creates and registers Prometheus metrics for the engine.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playout_http_requests_total",
			Help: "HTTP requests received, by route pattern and method",
		}, []string{"route", "method"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playout_http_errors_total",
			Help: "HTTP responses with a 4xx or 5xx status, by route pattern, method and status",
		}, []string{"route", "method", "status"}),
		requestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "playout_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern. Intent routes should stay well under a tick.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"route"}),
		commandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playout_amcp_commands_sent_total",
			Help: "AMCP command lines written to the playout server, by verb",
		}, []string{"verb"}),
		commandsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playout_amcp_commands_dropped_total",
			Help: "AMCP commands not transmitted, by reason",
		}, []string{"reason"}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playout_amcp_reconnects_total",
			Help: "Connection attempts made after a disconnect",
		}),
		listQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playout_amcp_list_queries_total",
			Help: "List commands issued, by command and outcome",
		}, []string{"command", "outcome"}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "playout_amcp_connected",
			Help: "1 when the playout server session is connected, 0 otherwise",
		}),
		activeLayers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "playout_active_layers",
			Help: "Number of layers currently tracked by the scheduler",
		}),
		intentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playout_intents_total",
			Help: "Operator and automatic intents processed by the scheduler, by kind",
		}, []string{"intent"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.requestSeconds,
		m.commandsSent,
		m.commandsDropped,
		m.reconnectsTotal,
		m.listQueries,
		m.connectionState,
		m.activeLayers,
		m.intentsTotal,
	)
	return m
}

// IncRequests counts one request for a route pattern.
func (m *Metrics) IncRequests(route, method string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method).Inc()
}

// IncErrors counts one error response.
func (m *Metrics) IncErrors(route, method string, status int) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
}

// ObserveRequest records the latency of one request.
func (m *Metrics) ObserveRequest(route string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestSeconds.WithLabelValues(route).Observe(d.Seconds())
}

// IncCommandSent counts one transmitted command line.
func (m *Metrics) IncCommandSent(verb string) {
	if m == nil {
		return
	}
	m.commandsSent.WithLabelValues(verb).Inc()
}

// IncCommandDropped counts a command that never reached the wire.
func (m *Metrics) IncCommandDropped(reason string) {
	if m == nil {
		return
	}
	m.commandsDropped.WithLabelValues(reason).Inc()
}

// IncReconnects increments the reconnect attempt counter.
func (m *Metrics) IncReconnects() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

// ObserveListQuery records the outcome of a list command ("ok", "timeout", "error", "offline").
func (m *Metrics) ObserveListQuery(command, outcome string) {
	if m == nil {
		return
	}
	m.listQueries.WithLabelValues(command, outcome).Inc()
}

// SetConnected sets the connection state gauge.
func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connectionState.Set(1)
	} else {
		m.connectionState.Set(0)
	}
}

// SetActiveLayers sets the active layers gauge.
func (m *Metrics) SetActiveLayers(n int) {
	if m == nil {
		return
	}
	m.activeLayers.Set(float64(n))
}

// IncIntent counts one scheduler intent.
func (m *Metrics) IncIntent(intent string) {
	if m == nil {
		return
	}
	m.intentsTotal.WithLabelValues(intent).Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
