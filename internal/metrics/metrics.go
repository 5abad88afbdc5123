package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every Prometheus metric negotiatord exposes on /metrics.
type Registry struct {
	reg *prometheus.Registry

	RunsTotal         *prometheus.CounterVec
	RunDurationRounds *prometheus.HistogramVec
	OffersTotal       *prometheus.CounterVec
	RateLimitedTotal  prometheus.Counter
	TemporalUp        prometheus.Gauge

	TemporalCircuitState prometheus.Gauge
	TemporalFallbackTotal prometheus.Counter
}

// New builds a fresh Registry with its own independent prometheus.Registry,
// so multiple Registry instances (tests, or a hot-reloaded process) never
// collide on global metric registration.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "negotiatord_runs_total",
			Help: "Total negotiation runs, labeled by terminal status",
		}, []string{"status"}), // completed, failed, cancelled
		RunDurationRounds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "negotiatord_run_rounds",
			Help:    "Number of rounds a run took before terminating",
			Buckets: prometheus.LinearBuckets(1, 1, 20),
		}, []string{"status"}),
		OffersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "negotiatord_offers_total",
			Help: "Total offers produced by sellers, labeled by outcome",
		}, []string{"status"}), // pending, accepted, rejected
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "negotiatord_rate_limited_total",
			Help: "Total requests rejected by the run-creation rate limiter",
		}),
		TemporalUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "negotiatord_temporal_up",
			Help: "Whether the Temporal recovery layer is connected (1=up, 0=down/disabled)",
		}),
		TemporalCircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "negotiatord_temporal_circuit_state",
			Help: "Temporal dispatch circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		TemporalFallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "negotiatord_temporal_fallback_total",
			Help: "Total runs that fell back to direct (non-Temporal) execution due to the circuit breaker",
		}),
	}
	reg.MustRegister(m.RunsTotal, m.RunDurationRounds, m.OffersTotal, m.RateLimitedTotal,
		m.TemporalUp, m.TemporalCircuitState, m.TemporalFallbackTotal)
	return m
}

// Handler returns the HTTP handler that serves this registry's metrics in
// the Prometheus text exposition format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
