package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	// Register should be safe to call multiple times
	Register()
	Register()

	assert.NotPanics(t, func() {
		IncHTTP("test_endpoint")
		IncRetry()
		SetQueueDepth("pending", 3)
		ObserveSheets("update", time.Now())
	})
}

func TestSyncCounters(t *testing.T) {
	before := testutil.ToFloat64(syncTasks.WithLabelValues("buyer", "synced"))
	ObserveTask("buyer", "synced")
	assert.Equal(t, before+1, testutil.ToFloat64(syncTasks.WithLabelValues("buyer", "synced")))

	conflictsBefore := testutil.ToFloat64(syncConflicts.WithLabelValues("seller"))
	AddConflicts("seller", 2)
	AddConflicts("seller", 0)
	assert.Equal(t, conflictsBefore+2, testutil.ToFloat64(syncConflicts.WithLabelValues("seller")))

	SetQueueDepth("failed", 7)
	assert.Equal(t, float64(7), testutil.ToFloat64(queueDepth.WithLabelValues("failed")))
}
