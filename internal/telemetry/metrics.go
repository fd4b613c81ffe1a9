package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики воркера и исполнителя планов.
var (
	JobsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statflow_jobs_claimed_total",
		Help: "Total jobs claimed from the work queue",
	})

	JobAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statflow_job_attempts_total",
		Help: "Total job execution attempts by outcome",
	}, []string{"outcome"})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statflow_jobs_finished_total",
		Help: "Total jobs that reached a terminal status",
	}, []string{"status"})

	PipelineSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statflow_pipeline_steps_total",
		Help: "Total pipeline steps processed by status",
	}, []string{"status"})

	PipelineStepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "statflow_pipeline_step_duration_seconds",
		Help:    "Duration of executed pipeline steps",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	})

	QueueOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statflow_queue_operations_total",
		Help: "Work queue operations by operation and result",
	}, []string{"op", "result"})
)

// QueueOp учитывает операцию очереди.
func QueueOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	QueueOperations.WithLabelValues(op, result).Inc()
}
