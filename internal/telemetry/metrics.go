package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmissionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingest_submissions_total", Help: "Accepted submissions by priority"}, []string{"priority"})
	UnitsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_units_enqueued_total", Help: "Work units placed on the dispatch queue"})
	IntakeRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_intake_rejects_total", Help: "Submissions rejected as client faults"})
	IntakeThrottled   = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_intake_throttled_total", Help: "Submissions rejected by the intake rate limiter"})
	UnitsDispatched   = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_units_dispatched_total", Help: "Work units handed to the downstream collaborator"})
	UnitsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_units_completed_total", Help: "Work units completed successfully"})
	DispatchFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_dispatch_failures_total", Help: "Dispatch cycles that failed and left their unit dispatched"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_queue_depth", Help: "Pending units across all tiers"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_units_inflight", Help: "Units currently awaiting the downstream response"})
	DownstreamLatency = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "ingest_downstream_seconds", Help: "Downstream call duration", Buckets: prometheus.DefBuckets})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmissionCounter,
			UnitsEnqueued,
			IntakeRejects,
			IntakeThrottled,
			UnitsDispatched,
			UnitsCompleted,
			DispatchFailures,
			QueueDepthGauge,
			InFlightGauge,
			DownstreamLatency,
		)
	})
	return promhttp.Handler()
}
