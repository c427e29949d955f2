package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)

	assert.NotNil(t, collector.pipelineRuns)
	assert.NotNil(t, collector.jobAttempts)
	assert.NotNil(t, collector.canaryWeight)

	// Registering twice on the same registry must panic.
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordPipelineRun("succeeded", time.Second)
		c.RecordAttempt("build", "succeeded", time.Second)
		c.RecordRetry("build")
		c.RecordTerminal("failed")
		c.UpdateSchedulerStats(1, 2)
		c.SetCanaryWeight("canary", 40)
		c.RecordDecision("promote")
		c.RecordNotifyFailure()
	})
}

func TestRecordAttempt(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordAttempt("build", "succeeded", 10*time.Millisecond)
	c.RecordAttempt("build", "timeout", time.Second)
	c.RecordAttempt("build", "timeout", time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobAttempts.WithLabelValues("build", "succeeded")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobAttempts.WithLabelValues("build", "timeout")))
}

func TestSchedulerAndCanaryGauges(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.UpdateSchedulerStats(3, 2)
	c.SetCanaryWeight("web-canary", 60)
	c.RecordDecision("rollback")

	assert.Equal(t, 3.0, testutil.ToFloat64(c.jobsReady))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsInFlight))
	assert.Equal(t, 60.0, testutil.ToFloat64(c.canaryWeight.WithLabelValues("web-canary")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.canaryDecisions.WithLabelValues("rollback")))
}

func TestServerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordPipelineRun("failed", 2*time.Second)

	ts := httptest.NewServer(NewServer(0, reg).Handler())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `beaver_pipeline_runs_total{state="failed"} 1`)
}
