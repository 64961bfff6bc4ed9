package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Metrics implements entitlement.Metrics using Prometheus.
type Metrics struct {
	transitionsTotal           *prometheus.CounterVec
	effectiveReadsTotal        *prometheus.CounterVec
	expiryWriteBacksTotal      *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_transitions_total",
			Help:      "Total number of entitlement events applied, by outcome.",
		}, []string{"kind", "from_tier", "to_tier", "outcome"}),

		effectiveReadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_effective_reads_total",
			Help:      "Total number of effective entitlement reads.",
		}, []string{"tier", "expired"}),

		expiryWriteBacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_expiry_write_backs_total",
			Help:      "Total number of opportunistic expiry write-backs.",
		}, []string{"success"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordTransition(kind entitlement.EventKind, fromTier, toTier entitlement.Tier,
	outcome entitlement.Outcome) {
	m.transitionsTotal.WithLabelValues(string(kind), string(fromTier), string(toTier), string(outcome)).Inc()
}

func (m *Metrics) RecordEffectiveRead(tier entitlement.Tier, expired bool) {
	m.effectiveReadsTotal.WithLabelValues(string(tier), strconv.FormatBool(expired)).Inc()
}

func (m *Metrics) RecordExpiryWriteBack(success bool) {
	m.expiryWriteBacksTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}
