package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service. A nil *Metrics
// records nothing.
type Metrics struct {
	RequestsTotal        *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec
	CarrierErrors        *prometheus.CounterVec
	ReconciliationWrites *prometheus.CounterVec
	TrackingUpdates      *prometheus.CounterVec
}

// NewMetrics creates metrics and registers them with reg. A nil reg uses
// the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cartship_requests_total",
				Help: "Total number of integration requests by operation, integration, and status",
			},
			[]string{"operation", "integration", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cartship_request_duration_seconds",
				Help:    "Integration request duration in seconds by operation and integration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "integration"},
		),
		CarrierErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cartship_carrier_errors_total",
				Help: "Total carrier integration errors by integration and error type",
			},
			[]string{"integration", "error_type"},
		),
		ReconciliationWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cartship_reconciliation_writes_total",
				Help: "Shipping provider records written by reconciliation, by integration and kind",
			},
			[]string{"integration", "kind"},
		),
		TrackingUpdates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cartship_tracking_updates_total",
				Help: "Tracking status updates by new status",
			},
			[]string{"status"},
		),
	}
}

// RecordRequest records a request metric.
func (m *Metrics) RecordRequest(operation, integration, status string, duration float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(operation, integration, status).Inc()
	m.RequestDuration.WithLabelValues(operation, integration).Observe(duration)
}

// RecordError records a carrier error metric.
func (m *Metrics) RecordError(integration, errorType string) {
	if m == nil {
		return
	}
	m.CarrierErrors.WithLabelValues(integration, errorType).Inc()
}

// RecordReconciliation records the provider records removed and added.
func (m *Metrics) RecordReconciliation(integration string, removed, added int) {
	if m == nil {
		return
	}
	m.ReconciliationWrites.WithLabelValues(integration, "removed").Add(float64(removed))
	m.ReconciliationWrites.WithLabelValues(integration, "added").Add(float64(added))
}

// RecordTrackingUpdate records a stored tracking status change.
func (m *Metrics) RecordTrackingUpdate(status string) {
	if m == nil {
		return
	}
	m.TrackingUpdates.WithLabelValues(status).Inc()
}
