package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(jobsEnqueued, jobsRejected, jobsSettled, queueDepth, processing, generationSeconds, outputBytes)
}

// settlement outcomes
const (
	OutcomeComplete    = "complete"
	OutcomeRetried     = "retried"
	OutcomeFailed      = "failed"
	OutcomeCrashed     = "crashed"
	OutcomeCancelled   = "cancelled"
	OutcomeInterrupted = "interrupted"
)

var (
	jobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgeq_jobs_enqueued_total",
			Help: "Jobs accepted by the queue per type.",
		},
		[]string{"type"},
	)

	jobsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgeq_jobs_rejected_total",
			Help: "Enqueue requests rejected per reason.",
		},
		[]string{"reason"},
	)

	jobsSettled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgeq_jobs_settled_total",
			Help: "Job settlements per type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forgeq_queue_depth",
			Help: "Number of queued jobs.",
		},
	)

	processing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forgeq_processing",
			Help: "1 if a job holds the processing slot.",
		},
	)

	generationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forgeq_generation_seconds",
			Help:    "Duration of successful sessions in seconds.",
			Buckets: []float64{1, 5, 10, 20, 30, 60, 90, 120, 180, 300, 600},
		},
		[]string{"type"},
	)

	outputBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgeq_output_bytes_total",
			Help: "Bytes of generated artifacts per type.",
		},
		[]string{"type"},
	)
)

// JobEnqueued counts an accepted job
func JobEnqueued(jobType string) {
	jobsEnqueued.WithLabelValues(jobType).Inc()
}

// JobRejected counts a rejected enqueue request
func JobRejected(reason string) {
	jobsRejected.WithLabelValues(reason).Inc()
}

// JobSettled counts a settlement outcome
func JobSettled(jobType, outcome string) {
	jobsSettled.WithLabelValues(jobType, outcome).Inc()
}

// ObserveGeneration records a successful generation
func ObserveGeneration(jobType string, seconds float64, bytes int64) {
	generationSeconds.WithLabelValues(jobType).Observe(seconds)
	outputBytes.WithLabelValues(jobType).Add(float64(bytes))
}

// SetQueue updates queue depth and processing slot gauges
func SetQueue(queued int, busy bool) {
	queueDepth.Set(float64(queued))
	if busy {
		processing.Set(1)
		return
	}
	processing.Set(0)
}
