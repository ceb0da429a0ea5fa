package tracking

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricSamples           = "tracking_samples_total"
	MetricBroadcasts        = "tracking_broadcasts_total"
	MetricBroadcastDuration = "tracking_broadcast_duration_seconds"
	MetricGeolocationErrors = "tracking_geolocation_errors_total"
	MetricTripsSaved        = "tracking_trips_saved_total"
	MetricTripSaveFailures  = "tracking_trip_save_failures_total"
	MetricActiveSessions    = "tracking_active_sessions"
)

// Broadcast result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics contains Prometheus metrics for tracking sessions.
// All methods are safe on a nil receiver.
type Metrics struct {
	samples           prometheus.Counter
	broadcasts        *prometheus.CounterVec
	broadcastDuration prometheus.Histogram
	geolocationErrors *prometheus.CounterVec
	tripsSaved        prometheus.Counter
	tripSaveFailures  prometheus.Counter
	activeSessions    prometheus.Gauge
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricSamples,
			Help: "Total number of position samples received by tracking sessions",
		}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricBroadcasts,
			Help: "Total number of presence broadcasts by result",
		}, []string{"result"}),
		broadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricBroadcastDuration,
			Help:    "Histogram of presence broadcast write latency in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),
		geolocationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricGeolocationErrors,
			Help: "Total number of geolocation failures that ended a session, by code",
		}, []string{"code"}),
		tripsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricTripsSaved,
			Help: "Total number of trips persisted",
		}),
		tripSaveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricTripSaveFailures,
			Help: "Total number of trips that could not be persisted",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricActiveSessions,
			Help: "Number of tracking sessions currently running",
		}),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
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
	return []prometheus.Collector{
		m.samples,
		m.broadcasts,
		m.broadcastDuration,
		m.geolocationErrors,
		m.tripsSaved,
		m.tripSaveFailures,
		m.activeSessions,
	}
}

func (m *Metrics) incSamples() {
	if m != nil {
		m.samples.Inc()
	}
}

func (m *Metrics) observeBroadcast(result string, seconds float64) {
	if m != nil {
		m.broadcasts.WithLabelValues(result).Inc()
		m.broadcastDuration.Observe(seconds)
	}
}

func (m *Metrics) incGeolocationErrors(code string) {
	if m != nil {
		m.geolocationErrors.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) incTripsSaved() {
	if m != nil {
		m.tripsSaved.Inc()
	}
}

func (m *Metrics) incTripSaveFailures() {
	if m != nil {
		m.tripSaveFailures.Inc()
	}
}

func (m *Metrics) sessionStarted() {
	if m != nil {
		m.activeSessions.Inc()
	}
}

func (m *Metrics) sessionEnded() {
	if m != nil {
		m.activeSessions.Dec()
	}
}
