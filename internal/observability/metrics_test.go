package observability

import (
	"testing"
	"time"

	"github.com/danmuck/intentflow/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)

	RegisterMetrics()
	RegisterMetrics()

	success := dispatchTasks.WithLabelValues("METRICS_LOAD", OutcomeSuccess)
	failed := streamUpdates.WithLabelValues("METRICS_WATCH", OutcomeFailure)
	successBefore := testutil.ToFloat64(success)
	failedBefore := testutil.ToFloat64(failed)

	RecordHTTPRequest("intentctl", "GET", "/health", 200, 12*time.Millisecond)
	RecordDispatch("METRICS_LOAD", OutcomeSuccess, 24*time.Millisecond)
	RecordDispatch("METRICS_LOAD", OutcomeCanceled, 0)
	RecordStream("METRICS_WATCH", StreamOpened)
	RecordStreamUpdate("METRICS_WATCH", true)
	RecordStreamUpdate("METRICS_WATCH", false)

	if got := testutil.ToFloat64(success) - successBefore; got != 1 {
		t.Fatalf("unexpected dispatch success delta: %v", got)
	}
	if got := testutil.ToFloat64(failed) - failedBefore; got != 1 {
		t.Fatalf("unexpected stream failure delta: %v", got)
	}
}

func TestSchedulerBacklogGauge(t *testing.T) {
	testlog.Start(t)
	SetSchedulerBacklog(7)
	if got := testutil.ToFloat64(schedulerBacklog); got != 7 {
		t.Fatalf("unexpected backlog: %v", got)
	}
	SetSchedulerBacklog(0)
}
