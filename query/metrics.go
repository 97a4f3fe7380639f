package query

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "fetchdata"

type metrics struct {
	// fetches counts settled fetches by status
	fetches *prometheus.CounterVec

	// fetchDuration measures a fetch including its retries
	fetchDuration prometheus.Histogram

	retries prometheus.Counter

	// lookups counts Use calls by what the cache held: fresh, stale or miss
	lookups *prometheus.CounterVec

	entries prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		fetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "query",
				Name:      "fetches_total",
				Help:      "Total number of settled query fetches",
			},
			[]string{"status"},
		),
		fetchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "query",
				Name:      "fetch_duration_seconds",
				Help:      "Duration of query fetches in seconds, retries included",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		retries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "query",
				Name:      "retries_total",
				Help:      "Total number of retried query fetch attempts",
			},
		),
		lookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "query",
				Name:      "lookups_total",
				Help:      "Total number of query registrations by cache state",
			},
			[]string{"result"},
		),
		entries: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "query",
				Name:      "entries",
				Help:      "Number of entries held by the query client",
			},
		),
	}
}

func (m *metrics) recordFetch(err error, seconds float64) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.fetches.WithLabelValues(status).Inc()
	m.fetchDuration.Observe(seconds)
}

func (m *metrics) recordLookup(result string) {
	m.lookups.WithLabelValues(result).Inc()
}
