package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmissionsAccepted = prometheus.NewCounter(prometheus.CounterOpts{Name: "videos_submitted_total", Help: "Video submissions accepted"})
	ValidationRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "videos_validation_rejects_total", Help: "Submissions rejected at validation"})
	QueueFullRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "videos_queue_full_rejects_total", Help: "Submissions rejected because the backlog was full"})
	SchedulingFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "videos_scheduling_failures_total", Help: "Jobs that exhausted scheduling retries"})
	JobsCompleted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "videos_completed_total", Help: "Jobs whose quality variants appeared"})
	JobsFailed          = prometheus.NewCounter(prometheus.CounterOpts{Name: "videos_failed_total", Help: "Jobs failed by a platform error"})
	JobsTimedOut        = prometheus.NewCounter(prometheus.CounterOpts{Name: "videos_timed_out_total", Help: "Jobs that hit their processing deadline"})
	JobsDelivered       = prometheus.NewCounter(prometheus.CounterOpts{Name: "videos_delivered_total", Help: "Jobs whose variants were forwarded to the owner"})
	PollTransientErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "videos_poll_transient_errors_total", Help: "Transient platform errors during polling"})
	BacklogDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "videos_backlog_depth", Help: "Queued jobs waiting for a slot"})
	ActiveSlotsGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "videos_active_slots", Help: "Jobs currently holding a concurrency slot"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmissionsAccepted,
			ValidationRejects,
			QueueFullRejects,
			SchedulingFailures,
			JobsCompleted,
			JobsFailed,
			JobsTimedOut,
			JobsDelivered,
			PollTransientErrors,
			BacklogDepthGauge,
			ActiveSlotsGauge,
		)
	})
	return promhttp.Handler()
}
