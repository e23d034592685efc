package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp-forge/reindexer/pkg/reindex"
)

func TestJobMetrics(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.JobStarted("run-1")
	c.JobStarted("run-2")
	assert.Equal(t, float64(2), testutil.ToFloat64(c.jobsStarted))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.jobsRunning))

	c.JobFinished("run-1", reindex.StatusCompleted, 3*time.Second)
	assert.Equal(t, float64(1), testutil.ToFloat64(c.jobsFinished.WithLabelValues("COMPLETED")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.jobsRunning))
	assert.Equal(t, 1, testutil.CollectAndCount(c.jobDuration))
}

func TestStageRecorded(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.StageRecorded(reindex.StageSink, "table", 10, 2, 0)
	c.StageRecorded(reindex.StageSink, "table", 5, 0, 0)
	c.StageRecorded(reindex.StageReader, "user", 3, 0, 1)

	assert.Equal(t, float64(15), testutil.ToFloat64(c.records.WithLabelValues("sink", "table", "success")))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.records.WithLabelValues("sink", "table", "failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.records.WithLabelValues("reader", "user", "warning")))
	// Zero counts do not create series.
	assert.Equal(t, 4, testutil.CollectAndCount(c.records))
}

func TestSinkMetrics(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.BulkRequest(120*time.Millisecond, 4096)
	c.PendingBulkRequests(3)
	c.BackpressureEvent()
	c.PromotionResult("table", true)
	c.PromotionResult("user", false)
	c.BreakerTransition("CLOSED->OPEN")

	assert.Equal(t, float64(3), testutil.ToFloat64(c.bulkPending))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.backpressure))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.promotions.WithLabelValues("user", "failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.breakerTransitions.WithLabelValues("CLOSED->OPEN")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.bulkLatency))
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.JobStarted("run-1")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "reindex_jobs_started_total 1"))
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	assert.Panics(t, func() { NewCollector(reg) })
}
