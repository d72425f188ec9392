// ABOUTME: Prometheus collectors for the delivery core
// ABOUTME: Tracks connections, delivery outcomes, send failures and recovery queue activity

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "coven_delivery"

// Delivery outcome label values.
const (
	OutcomeDelivered = "delivered"
	OutcomeQueued    = "queued"
	OutcomeFailed    = "failed"
	OutcomeDuplicate = "duplicate"
)

// Metrics holds the collectors used by the delivery manager and registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// ActiveConnections is the number of registered connections.
	ActiveConnections prometheus.Gauge

	// ConnectedUsers is the number of users with at least one connection.
	ConnectedUsers prometheus.Gauge

	// Deliveries counts send requests by target kind and outcome.
	// Labels: target (user|thread|broadcast), outcome (delivered|queued|failed|duplicate)
	Deliveries *prometheus.CounterVec

	// SendFailures counts individual connection send failures.
	// Labels: reason (send_error|connection_closed)
	SendFailures *prometheus.CounterVec

	// QueuedEvents counts events placed in the recovery queue.
	// Labels: reason (no_connection|send_error|connection_closed)
	QueuedEvents *prometheus.CounterVec

	// QueueOverflows counts recovery queue drop-oldest evictions.
	QueueOverflows prometheus.Counter

	// ReplayedEvents counts events successfully replayed from the recovery queue.
	ReplayedEvents prometheus.Counter

	// SendDuration measures single-connection send latency in seconds.
	SendDuration prometheus.Histogram
}

// New creates the collectors and registers them with reg.
// Pass prometheus.NewRegistry() in tests to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of live client connections.",
		}),
		ConnectedUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_users",
			Help:      "Number of users with at least one live connection.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery requests by target kind and outcome.",
		}, []string{"target", "outcome"}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Per-connection send failures by reason.",
		}, []string{"reason"}),
		QueuedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_queued_total",
			Help:      "Events placed in the recovery queue by reason.",
		}, []string{"reason"}),
		QueueOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_overflows_total",
			Help:      "Recovery queue entries dropped to make room for newer events.",
		}),
		ReplayedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_replayed_total",
			Help:      "Events replayed from the recovery queue.",
		}),
		SendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Latency of a single connection send.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ActiveConnections,
			m.ConnectedUsers,
			m.Deliveries,
			m.SendFailures,
			m.QueuedEvents,
			m.QueueOverflows,
			m.ReplayedEvents,
			m.SendDuration,
		)
	}
	return m
}

// SetConnections updates the connection and user gauges.
func (m *Metrics) SetConnections(connections, users int) {
	if m == nil {
		return
	}
	m.ActiveConnections.Set(float64(connections))
	m.ConnectedUsers.Set(float64(users))
}

// Delivery records the outcome of one delivery request.
func (m *Metrics) Delivery(target, outcome string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(target, outcome).Inc()
}

// SendFailure records a single connection send failure.
func (m *Metrics) SendFailure(reason string) {
	if m == nil {
		return
	}
	m.SendFailures.WithLabelValues(reason).Inc()
}

// ObserveSend records how long a single connection send took.
func (m *Metrics) ObserveSend(seconds float64) {
	if m == nil {
		return
	}
	m.SendDuration.Observe(seconds)
}

// Queued records an event entering the recovery queue.
func (m *Metrics) Queued(reason string) {
	if m == nil {
		return
	}
	m.QueuedEvents.WithLabelValues(reason).Inc()
}

// Overflow records a drop-oldest eviction.
func (m *Metrics) Overflow() {
	if m == nil {
		return
	}
	m.QueueOverflows.Inc()
}

// Replayed records n events replayed from the recovery queue.
func (m *Metrics) Replayed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ReplayedEvents.Add(float64(n))
}
