package metrics

import "github.com/prometheus/client_golang/prometheus"

// SchedulingMetrics exposes counters/histograms for the booking flow.
// All methods are nil-safe so wiring stays optional in tests.
type SchedulingMetrics struct {
	bookingsTotal  *prometheus.CounterVec
	conflictsTotal *prometheus.CounterVec
	bookingLatency prometheus.Histogram
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduling",
			Subsystem: "booking",
			Name:      "requests_total",
			Help:      "Booking attempts by operation and outcome",
		}, []string{"operation", "outcome"}),
		conflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduling",
			Subsystem: "booking",
			Name:      "conflicts_total",
			Help:      "Detected booking conflicts by code",
		}, []string{"code"}),
		bookingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scheduling",
			Subsystem: "booking",
			Name:      "commit_latency_seconds",
			Help:      "Latency of the transactional booking commit path",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingsTotal, m.conflictsTotal, m.bookingLatency)
	return m
}

func (m *SchedulingMetrics) ObserveBooking(operation, outcome string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(operation, outcome).Inc()
}

func (m *SchedulingMetrics) ObserveConflict(code string) {
	if m == nil {
		return
	}
	m.conflictsTotal.WithLabelValues(code).Inc()
}

func (m *SchedulingMetrics) ObserveCommitLatency(seconds float64) {
	if m == nil {
		return
	}
	m.bookingLatency.Observe(seconds)
}
