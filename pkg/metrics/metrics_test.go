package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotent(t *testing.T) {
	m := New()
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())
}

func TestRecordOperation(t *testing.T) {
	m := New()
	m.RecordOperation("addUser", true)
	m.RecordOperation("addUser", true)
	m.RecordOperation("addUser", false)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.operationsTotal.WithLabelValues("addUser", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.operationsTotal.WithLabelValues("addUser", "failure")))
}

func TestRecordDispatch(t *testing.T) {
	m := New()
	m.RecordDispatch("coa", true, 0.05)
	m.RecordDispatch("disconnect", false, 1.2)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.dispatchesTotal.WithLabelValues("coa", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.dispatchesTotal.WithLabelValues("disconnect", "failure")))
}

func TestRecordSweep(t *testing.T) {
	m := New()
	m.RecordSweep(2.5)
	m.RecordSweepUser("applied")
	m.RecordSweepUser("failed")
	m.RecordSweepUser("applied")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.sweepRunsTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.sweepUsersTotal.WithLabelValues("applied")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sweepUsersTotal.WithLabelValues("failed")))
}

func TestRecordProbe(t *testing.T) {
	m := New()
	m.RecordProbe(true)
	m.RecordProbe(false)
	m.RecordProbe(false)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.probesTotal.WithLabelValues("reachable")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.probesTotal.WithLabelValues("unreachable")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordOperation("addUser", true)
	m.RecordDispatch("coa", true, 0.1)
	m.RecordSweep(1)
	m.RecordSweepUser("applied")
	m.RecordReload(false)
	m.RecordProbe(true)
}

func TestHandler(t *testing.T) {
	m := New()
	assert.NotNil(t, m.Handler())
}
