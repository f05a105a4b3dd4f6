package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeCanceled = "canceled"

	StreamOpened     = "opened"
	StreamSuperseded = "superseded"
	StreamStopped    = "stopped"
	StreamEnded      = "ended"
	StreamFailed     = "failed"
	StreamShutdown   = "shutdown"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intentflow",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "intentflow",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	dispatchTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intentflow",
			Subsystem: "dispatch",
			Name:      "tasks_total",
			Help:      "Dispatch tasks by operation kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "intentflow",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Processor run time in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	streamEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intentflow",
			Subsystem: "stream",
			Name:      "lifecycle_total",
			Help:      "Subscription stream lifecycle events by channel.",
		},
		[]string{"channel", "event"},
	)
	streamUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intentflow",
			Subsystem: "stream",
			Name:      "updates_total",
			Help:      "Updates delivered to channel consumers.",
		},
		[]string{"channel", "outcome"},
	)
	schedulerBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "intentflow",
			Subsystem: "scheduler",
			Name:      "backlog",
			Help:      "Intents queued for the scheduler loop.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			dispatchTasks, dispatchDuration,
			streamEvents, streamUpdates,
			schedulerBacklog,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordDispatch(kind, outcome string, duration time.Duration) {
	RegisterMetrics()
	dispatchTasks.WithLabelValues(kind, outcome).Inc()
	if outcome != OutcomeCanceled {
		dispatchDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

func RecordStream(channel, event string) {
	RegisterMetrics()
	streamEvents.WithLabelValues(channel, event).Inc()
}

func RecordStreamUpdate(channel string, ok bool) {
	RegisterMetrics()
	outcome := OutcomeSuccess
	if !ok {
		outcome = OutcomeFailure
	}
	streamUpdates.WithLabelValues(channel, outcome).Inc()
}

func SetSchedulerBacklog(n int) {
	RegisterMetrics()
	schedulerBacklog.Set(float64(n))
}
