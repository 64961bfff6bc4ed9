package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// family returns the gathered metric family with the given name.
func family(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return nil
}

func label(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestPrometheusMetrics_Interface(t *testing.T) {
	var _ entitlement.Metrics = NewMetrics(prometheus.NewRegistry(), "test")
}

func TestPrometheusMetrics_RecordTransition(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordTransition(entitlement.EventGrant, entitlement.TierFree, entitlement.TierPlus, entitlement.OutcomeApplied)
	metrics.RecordTransition(entitlement.EventGrant, entitlement.TierFree, entitlement.TierPlus, entitlement.OutcomeApplied)
	metrics.RecordTransition(entitlement.EventGrant, entitlement.TierPlus, entitlement.TierPlus, entitlement.OutcomeDuplicate)

	mf := family(t, reg, "test_entitlement_transitions_total")
	require.Len(t, mf.GetMetric(), 2)
	for _, m := range mf.GetMetric() {
		switch label(m, "outcome") {
		case "applied":
			assert.Equal(t, float64(2), m.GetCounter().GetValue())
			assert.Equal(t, "free", label(m, "from_tier"))
		case "duplicate":
			assert.Equal(t, float64(1), m.GetCounter().GetValue())
		default:
			t.Errorf("unexpected outcome label %q", label(m, "outcome"))
		}
	}
}

func TestPrometheusMetrics_RecordEffectiveRead(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordEffectiveRead(entitlement.TierFree, true)

	mf := family(t, reg, "test_entitlement_effective_reads_total")
	require.Len(t, mf.GetMetric(), 1)
	assert.Equal(t, "true", label(mf.GetMetric()[0], "expired"))
}

func TestPrometheusMetrics_RecordStorageOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordStorageOperation("get", 5*time.Millisecond, nil)
	metrics.RecordStorageOperation("apply", 10*time.Millisecond, errors.New("boom"))

	mf := family(t, reg, "test_storage_operation_duration_seconds")
	assert.Len(t, mf.GetMetric(), 2)

	errs := family(t, reg, "test_storage_operation_errors_total")
	require.Len(t, errs.GetMetric(), 1)
	assert.Equal(t, "apply", label(errs.GetMetric()[0], "operation"))
}

func TestPrometheusMetrics_WriteBackAndCircuitBreaker(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordExpiryWriteBack(false)
	metrics.RecordCircuitBreakerStateChange("open")

	wb := family(t, reg, "test_entitlement_expiry_write_backs_total")
	assert.Equal(t, "false", label(wb.GetMetric()[0], "success"))

	cb := family(t, reg, "test_circuit_breaker_state_changes_total")
	assert.Equal(t, "open", label(cb.GetMetric()[0], "state"))
}
