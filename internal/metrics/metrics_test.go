package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordSourceRequest(t *testing.T) {
	before := testutil.ToFloat64(SourceRequestsTotal.WithLabelValues("api.example", "429"))
	RecordSourceRequest("api.example", 429, 10*time.Millisecond)
	after := testutil.ToFloat64(SourceRequestsTotal.WithLabelValues("api.example", "429"))
	assert.Equal(t, before+1, after)

	RecordSourceRequest("api.example", 0, time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(SourceRequestsTotal.WithLabelValues("api.example", "error")), 1.0)
}

func TestRecordJobRun(t *testing.T) {
	RecordJobRun("metrics_test", nil)
	RecordJobRun("metrics_test", errors.New("boom"))
	assert.Equal(t, 1.0, testutil.ToFloat64(JobRuns.WithLabelValues("metrics_test", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(JobRuns.WithLabelValues("metrics_test", "error")))
}

func TestSetCircuitState(t *testing.T) {
	SetCircuitState("metron", 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(CircuitState.WithLabelValues("metron")))
	SetCircuitState("metron", 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(CircuitState.WithLabelValues("metron")))
}

func TestRecordStallAndDeferral(t *testing.T) {
	RecordStall("metrics_stall", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(JobStalls.WithLabelValues("metrics_stall", "true")))

	RecordDeferral("gcd", "circuit_open")
	assert.GreaterOrEqual(t, testutil.ToFloat64(SourceDeferrals.WithLabelValues("gcd", "circuit_open")), 1.0)
}

func TestSetBacklog(t *testing.T) {
	SetBacklog(12, 3, 40)
	assert.Equal(t, 12.0, testutil.ToFloat64(DLQBacklog.WithLabelValues("pending")))
	assert.Equal(t, 3.0, testutil.ToFloat64(DLQBacklog.WithLabelValues("abandoned")))
	assert.Equal(t, 40.0, testutil.ToFloat64(QuarantineBacklog))
}
