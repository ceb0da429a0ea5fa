package matching

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricQueries       = "matching_queries_total"
	MetricCandidates    = "matching_candidates"
	MetricQueryDuration = "matching_query_duration_seconds"
)

// Query result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics contains Prometheus metrics for proximity queries.
// All methods are safe on a nil receiver.
type Metrics struct {
	queries       *prometheus.CounterVec
	candidates    prometheus.Histogram
	queryDuration prometheus.Histogram
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricQueries,
			Help: "Total number of nearby queries by result",
		}, []string{"result"}),
		candidates: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricCandidates,
			Help:    "Histogram of candidates returned per nearby query",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}),
		queryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricQueryDuration,
			Help:    "Histogram of nearby query latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all collectors for custom registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.queries, m.candidates, m.queryDuration}
}

func (m *Metrics) incQuery(result string) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(result).Inc()
}

func (m *Metrics) observe(candidates int, d time.Duration) {
	if m == nil {
		return
	}
	m.candidates.Observe(float64(candidates))
	m.queryDuration.Observe(d.Seconds())
}
