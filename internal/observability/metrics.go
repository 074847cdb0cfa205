package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsCreatedTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch_core", Name: "jobs_created_total", Help: "Total job requests created"})
	JobsAcceptedTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch_core", Name: "jobs_accepted_total", Help: "Total successful job acceptances"})
	AcceptConflicts    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch_core", Name: "accept_conflicts_total", Help: "Acceptance attempts lost to another provider"})
	CancellationsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch_core", Name: "cancellations_total", Help: "Total cancellations committed"})

	ProbeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dispatch_core", Name: "probe_latency_seconds",
		Help: "Connectivity probe latency", Buckets: prometheus.DefBuckets,
	})
	ConnectivityState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dispatch_core", Name: "connectivity_state",
		Help: "Connectivity state: 0 checking, 1 connected, 2 disconnected, 3 fallback",
	})
	FallbackActivations = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch_core", Name: "fallback_activations_total", Help: "Times the session entered fallback mode"})
	SyntheticJobsTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch_core", Name: "synthetic_jobs_generated_total", Help: "Synthetic jobs generated while degraded"})
	PoolSize            = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "dispatch_core", Name: "pool_size", Help: "Jobs currently visible in the provider pool"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch_core", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch_core",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
