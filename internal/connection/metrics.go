package connection

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricRequestsSent    = "connection_requests_sent_total"
	MetricRequestsRefused = "connection_requests_refused_total"
	MetricResponses       = "connection_responses_total"
)

// Metrics contains Prometheus metrics for the connection handshake.
type Metrics struct {
	requestsSent    *prometheus.CounterVec
	requestsRefused *prometheus.CounterVec
	responses       *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		requestsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRequestsSent,
			Help: "Total number of connection requests created, by reason",
		}, []string{"reason"}),
		requestsRefused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRequestsRefused,
			Help: "Total number of connection requests refused before insert, by cause",
		}, []string{"cause"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricResponses,
			Help: "Total number of resolved connection requests, by decision",
		}, []string{"decision"}),
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

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.requestsSent, m.requestsRefused, m.responses}
}

func (m *Metrics) incSent(reason Reason) {
	if m != nil {
		m.requestsSent.WithLabelValues(string(reason)).Inc()
	}
}

func (m *Metrics) incRefused(cause string) {
	if m != nil {
		m.requestsRefused.WithLabelValues(cause).Inc()
	}
}

func (m *Metrics) incResponse(decision Status) {
	if m != nil {
		m.responses.WithLabelValues(string(decision)).Inc()
	}
}
