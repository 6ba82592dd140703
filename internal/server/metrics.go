package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"homeward/internal/readmodel"
)

type metricsRegistry struct {
	registry          *prometheus.Registry
	submissionsTotal  *prometheus.CounterVec
	transitionsTotal  *prometheus.CounterVec
	failuresTotal     *prometheus.CounterVec
	pendingHeartbeats prometheus.Counter
	cacheReadsTotal   *prometheus.CounterVec
}

func newMetricsRegistry(stats func() readmodel.Stats) *metricsRegistry {
	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "homeward_submissions_total",
		Help: "Remittance submissions received over HTTP",
	}, []string{"result"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "homeward_transitions_total",
		Help: "Lifecycle transitions by target state",
	}, []string{"state"})

	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "homeward_failures_total",
		Help: "Failed remittances by reason",
	}, []string{"reason"})

	heartbeats := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "homeward_pending_heartbeats_total",
		Help: "Still-pending notifications emitted while awaiting receipts",
	})

	cacheReads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "homeward_http_cache_reads_total",
		Help: "Read-model lookups served over HTTP by outcome",
	}, []string{"outcome"})

	r := prometheus.NewRegistry()
	r.MustRegister(submissions, transitions, failures, heartbeats, cacheReads)

	if stats != nil {
		r.MustRegister(
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "homeward_readmodel_hits_total",
				Help: "Read-model cache hits",
			}, func() float64 { return float64(stats().Hits) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "homeward_readmodel_misses_total",
				Help: "Read-model cache misses",
			}, func() float64 { return float64(stats().Misses) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "homeward_readmodel_invalidations_total",
				Help: "Read-model entries dropped by invalidation",
			}, func() float64 { return float64(stats().Invalidations) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "homeward_readmodel_fetch_errors_total",
				Help: "Ledger reads that failed on a cache miss",
			}, func() float64 { return float64(stats().FetchErrors) }),
		)
	}

	return &metricsRegistry{
		registry:          r,
		submissionsTotal:  submissions,
		transitionsTotal:  transitions,
		failuresTotal:     failures,
		pendingHeartbeats: heartbeats,
		cacheReadsTotal:   cacheReads,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incSubmission(result string) {
	m.submissionsTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) incTransition(state string) {
	m.transitionsTotal.WithLabelValues(state).Inc()
}

func (m *metricsRegistry) incFailure(reason string) {
	m.failuresTotal.WithLabelValues(reason).Inc()
}

func (m *metricsRegistry) incHeartbeat() {
	m.pendingHeartbeats.Inc()
}

func (m *metricsRegistry) incCacheRead(outcome string) {
	m.cacheReadsTotal.WithLabelValues(outcome).Inc()
}
