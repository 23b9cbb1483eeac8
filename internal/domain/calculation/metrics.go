package calculation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's prometheus collectors.
type Metrics struct {
	Requests          prometheus.Counter
	Applied           prometheus.Counter
	Failures          prometheus.Counter
	Stale             *prometheus.CounterVec
	CascadeSuppressed *prometheus.CounterVec
	InFlight          prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounter(prometheus.CounterOpts{
			Name: "rdrf_calc_requests_total",
			Help: "Compute requests issued for calculated fields.",
		}),
		Applied: f.NewCounter(prometheus.CounterOpts{
			Name: "rdrf_calc_applied_total",
			Help: "Compute responses written into their field.",
		}),
		Failures: f.NewCounter(prometheus.CounterOpts{
			Name: "rdrf_calc_failures_total",
			Help: "Compute exchanges that failed and were dropped.",
		}),
		Stale: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rdrf_calc_stale_total",
			Help: "Responses that arrived after a newer request for the same field was issued.",
		}, []string{"policy"}),
		CascadeSuppressed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rdrf_calc_cascade_suppressed_total",
			Help: "Cascaded recomputations skipped by the cycle or depth guard.",
		}, []string{"reason"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "rdrf_calc_inflight",
			Help: "Compute exchanges currently awaiting a response.",
		}),
	}
}
