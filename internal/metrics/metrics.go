package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "realtysync"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	syncTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_tasks_total",
			Help:      "Processed sync tasks by entity type and outcome.",
		},
		[]string{"entity", "outcome"},
	)

	syncConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_conflict_fields_total",
			Help:      "Fields that diverged on the sheet since the last sync.",
		},
		[]string{"entity"},
	)

	retryAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_retry_attempts_total",
			Help:      "Spreadsheet write attempts after the first one.",
		},
	)

	failedChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_failed_changes_total",
			Help:      "Field changes parked in the retry table.",
		},
		[]string{"entity"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_queue_depth",
			Help:      "Outbox rows by status.",
		},
		[]string{"status"},
	)

	sheetsLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sheets_request_duration_seconds",
			Help:      "Google Sheets API call latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			syncTasks,
			syncConflicts,
			retryAttempts,
			failedChanges,
			queueDepth,
			sheetsLatency,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// ObserveTask records the outcome of one sync task.
func ObserveTask(entity, outcome string) {
	syncTasks.WithLabelValues(entity, outcome).Inc()
}

// AddConflicts counts conflicting fields.
func AddConflicts(entity string, n int) {
	if n <= 0 {
		return
	}
	syncConflicts.WithLabelValues(entity).Add(float64(n))
}

// IncRetry counts one retried write attempt.
func IncRetry() {
	retryAttempts.Inc()
}

// IncFailedChange counts one parked field change.
func IncFailedChange(entity string) {
	failedChanges.WithLabelValues(entity).Inc()
}

// SetQueueDepth publishes the outbox size for a status.
func SetQueueDepth(status string, n int) {
	queueDepth.WithLabelValues(status).Set(float64(n))
}

// ObserveSheets records the latency of one Sheets API call.
func ObserveSheets(op string, started time.Time) {
	sheetsLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())
}
