package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for quota-gate.
// Pass to components that need to record metrics.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	AccessDecisions   *prometheus.CounterVec
	RetryAfterSeconds prometheus.Histogram
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quotagate",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "status"}, // status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "quotagate",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		AccessDecisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quotagate",
				Name:      "access_decisions_total",
				Help:      "Total admission decisions by result and tier",
			},
			[]string{"result", "tier"}, // result=allowed/limited/rejected/error
		),
		RetryAfterSeconds: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "quotagate",
				Name:      "retry_after_seconds",
				Help:      "Retry-After values returned on rate limited requests",
				Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 3600},
			},
		),
	}
}
