// Package metrics provides Prometheus metrics for specboard.
//
// All Record/Set methods are safe to call on a nil *Metrics, which lets
// components take metrics as an optional dependency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the server.
type Metrics struct {
	ProjectsTracked  prometheus.Gauge
	ActiveSessions   prometheus.Gauge
	WatchEventsTotal *prometheus.CounterVec
	RescansTotal     *prometheus.CounterVec
	RescanDuration   prometheus.Histogram
	WSClients        prometheus.Gauge
	WSMessagesTotal  *prometheus.CounterVec
	WSResyncsTotal   prometheus.Counter
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	TunnelActive     *prometheus.GaugeVec
	TunnelVisitors   prometheus.Counter
	ErrorsTotal      *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ProjectsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "specboard_projects_tracked",
			Help: "Number of projects currently tracked.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "specboard_active_sessions",
			Help: "Number of surfaced active sessions.",
		}),
		WatchEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "specboard_watch_events_total",
				Help: "Debounced change events by type and action.",
			},
			[]string{"type", "action"},
		),
		RescansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "specboard_rescans_total",
				Help: "Project discovery passes by result.",
			},
			[]string{"result"},
		),
		RescanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "specboard_rescan_duration_seconds",
			Help:    "Duration of project discovery passes.",
			Buckets: prometheus.DefBuckets,
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "specboard_ws_clients",
			Help: "Connected WebSocket clients.",
		}),
		WSMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "specboard_ws_messages_total",
				Help: "WebSocket messages queued for delivery by type.",
			},
			[]string{"type"},
		),
		WSResyncsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "specboard_ws_resyncs_total",
			Help: "Slow clients whose queue was replaced by a full snapshot.",
		}),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "specboard_http_requests_total",
				Help: "HTTP requests by route and status code.",
			},
			[]string{"route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "specboard_http_request_duration_seconds",
				Help:    "HTTP request duration by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		TunnelActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "specboard_tunnel_active",
				Help: "1 while a tunnel from the provider is active.",
			},
			[]string{"provider"},
		),
		TunnelVisitors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "specboard_tunnel_visitors_total",
			Help: "Distinct visitors seen through the tunnel.",
		}),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "specboard_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.ProjectsTracked,
		m.ActiveSessions,
		m.WatchEventsTotal,
		m.RescansTotal,
		m.RescanDuration,
		m.WSClients,
		m.WSMessagesTotal,
		m.WSResyncsTotal,
		m.RequestsTotal,
		m.RequestDuration,
		m.TunnelActive,
		m.TunnelVisitors,
		m.ErrorsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// SetProjects sets the tracked project count.
func (m *Metrics) SetProjects(n int) {
	if m == nil {
		return
	}
	m.ProjectsTracked.Set(float64(n))
}

// SetActiveSessions sets the surfaced session count.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// RecordWatchEvent increments the change event counter.
func (m *Metrics) RecordWatchEvent(typ, action string) {
	if m == nil {
		return
	}
	m.WatchEventsTotal.WithLabelValues(typ, action).Inc()
}

// ObserveRescan records one discovery pass.
func (m *Metrics) ObserveRescan(result string, seconds float64) {
	if m == nil {
		return
	}
	m.RescansTotal.WithLabelValues(result).Inc()
	m.RescanDuration.Observe(seconds)
}

// SetWSClients sets the connected client count.
func (m *Metrics) SetWSClients(n int) {
	if m == nil {
		return
	}
	m.WSClients.Set(float64(n))
}

// RecordWSMessage counts one queued message.
func (m *Metrics) RecordWSMessage(typ string) {
	if m == nil {
		return
	}
	m.WSMessagesTotal.WithLabelValues(typ).Inc()
}

// RecordResync counts one slow-client resynchronization.
func (m *Metrics) RecordResync() {
	if m == nil {
		return
	}
	m.WSResyncsTotal.Inc()
}

// RecordRequest increments the request counter.
func (m *Metrics) RecordRequest(route, status string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, status).Inc()
}

// ObserveDuration records request duration.
func (m *Metrics) ObserveDuration(route string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(route).Observe(seconds)
}

// SetTunnelActive marks the provider's tunnel as up or down.
func (m *Metrics) SetTunnelActive(provider string, active bool) {
	if m == nil {
		return
	}
	v := 0.0
	if active {
		v = 1
	}
	m.TunnelActive.WithLabelValues(provider).Set(v)
}

// RecordVisitor counts one new tunnel visitor.
func (m *Metrics) RecordVisitor() {
	if m == nil {
		return
	}
	m.TunnelVisitors.Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}
