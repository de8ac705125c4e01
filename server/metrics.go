package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors on a private registry.
type Metrics struct {
	registry         *prometheus.Registry
	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	upstreamRequests *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	tokenEvents      *prometheus.CounterVec
}

// NewMetrics registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bff",
			Name:      "http_requests_total",
			Help:      "Inbound HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bff",
			Name:      "http_request_duration_seconds",
			Help:      "Inbound request latency including streamed bodies.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bff",
			Name:      "upstream_requests_total",
			Help:      "Outbound calls to the API by target and status.",
		}, []string{"target", "status"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bff",
			Name:      "upstream_response_seconds",
			Help:      "Time until upstream response headers arrived.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"target"}),
		tokenEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bff",
			Name:      "token_events_total",
			Help:      "Code exchanges and refreshes by result.",
		}, []string{"event"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.requestDuration,
		m.upstreamRequests,
		m.upstreamDuration,
		m.tokenEvents,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(route, method string, status int, d time.Duration) {
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// ObserveUpstream records one outbound call. status 0 means no response was received.
func (m *Metrics) ObserveUpstream(target string, status int, d time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.upstreamRequests.WithLabelValues(target, label).Inc()
	m.upstreamDuration.WithLabelValues(target).Observe(d.Seconds())
}

func (m *Metrics) TokenEvent(event string) {
	m.tokenEvents.WithLabelValues(event).Inc()
}
