package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's prometheus instruments. The registerer is
// injected so tests can use private registries.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	DecisionsTotal  *prometheus.CounterVec
	RejectionsTotal *prometheus.CounterVec
	RequestSeconds  *prometheus.HistogramVec
}

// NewMetrics builds and registers the instrument set.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "decisions_total",
			Help:      "Policy decisions by outcome.",
		}, []string{"decision"}),
		RejectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "request_rejections_total",
			Help:      "Requests rejected before policy evaluation, by reason.",
		}, []string{"reason"}),
		RequestSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Registry exposes the private registry for the /metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
