package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	api "github.com/rangelab/solverqueue/api/v1alpha1"
)

const (
	solverqueue = "solverqueue"

	jobsSubmittedTotal   = "jobs_submitted_total"
	jobsCompletedTotal   = "jobs_completed_total"
	jobsFailedTotal      = "jobs_failed_total"
	jobsRetriggeredTotal = "jobs_retriggered_total"
	jobDurationSeconds   = "job_duration_seconds"

	// Labels
	jobTypeLabel = "type"
)

var jobTypeLabels = []string{
	jobTypeLabel,
}

/**
* Metrics definition
**/
var jobsSubmittedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: solverqueue,
		Name:      jobsSubmittedTotal,
		Help:      "number of jobs accepted by the submission service",
	},
	jobTypeLabels,
)

var jobsCompletedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: solverqueue,
		Name:      jobsCompletedTotal,
		Help:      "number of jobs that reached COMPLETED",
	},
	jobTypeLabels,
)

var jobsFailedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: solverqueue,
		Name:      jobsFailedTotal,
		Help:      "number of job attempts that ended FAILED",
	},
	jobTypeLabels,
)

var jobsRetriggeredTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: solverqueue,
		Name:      jobsRetriggeredTotal,
		Help:      "number of dead-lettered jobs resubmitted by the retrigger tool",
	},
	jobTypeLabels,
)

var jobDurationSecondsMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Subsystem: solverqueue,
		Name:      jobDurationSeconds,
		Help:      "wall-clock duration of compute attempts",
		Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
	},
	jobTypeLabels,
)

func IncJobsSubmitted(jobType api.JobType) {
	jobsSubmittedTotalMetric.WithLabelValues(string(jobType)).Inc()
}

func IncJobsCompleted(jobType api.JobType) {
	jobsCompletedTotalMetric.WithLabelValues(string(jobType)).Inc()
}

func IncJobsFailed(jobType api.JobType) {
	jobsFailedTotalMetric.WithLabelValues(string(jobType)).Inc()
}

func IncJobsRetriggered(jobType api.JobType) {
	jobsRetriggeredTotalMetric.WithLabelValues(string(jobType)).Inc()
}

func ObserveJobDuration(jobType api.JobType, seconds float64) {
	jobDurationSecondsMetric.WithLabelValues(string(jobType)).Observe(seconds)
}

type PrometheusMetricsHandler struct {
	registry *prometheus.Registry
}

func NewPrometheusMetricsHandler() *PrometheusMetricsHandler {
	h := &PrometheusMetricsHandler{registry: prometheus.NewRegistry()}
	h.registry.MustRegister(
		jobsSubmittedTotalMetric,
		jobsCompletedTotalMetric,
		jobsFailedTotalMetric,
		jobsRetriggeredTotalMetric,
		jobDurationSecondsMetric,
	)
	return h
}

func (p *PrometheusMetricsHandler) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
