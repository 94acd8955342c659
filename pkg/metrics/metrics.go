package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Build lifecycle metrics
	BuildsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clusterrunner_builds_submitted_total",
			Help: "Total number of builds submitted",
		},
	)

	BuildsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterrunner_builds_finished_total",
			Help: "Total number of builds that reached a terminal state, by result",
		},
		[]string{"result"},
	)

	BuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clusterrunner_build_duration_seconds",
			Help:    "Time from QUEUED to a terminal state, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BuildsInProgress = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clusterrunner_builds_in_progress",
			Help: "Number of builds currently in each non-terminal state",
		},
		[]string{"state"},
	)

	// Subjob dispatch metrics
	SubjobDispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clusterrunner_subjob_dispatch_duration_seconds",
			Help:    "Time to dispatch a subjob to a worker, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SubjobsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clusterrunner_subjobs_completed_total",
			Help: "Total number of subjobs reported complete by workers",
		},
	)

	// Worker allocation metrics
	WorkerAllocationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clusterrunner_worker_allocation_duration_seconds",
			Help:    "Time spent waiting for and allocating an idle worker, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	IdleWorkersGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "clusterrunner_idle_workers",
			Help: "Number of workers currently in the idle queue",
		},
	)

	ExecutorsInUseGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "clusterrunner_executors_in_use",
			Help: "Number of worker executors currently claimed across all builds",
		},
	)

	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clusterrunner_workers_total",
			Help: "Total number of known workers by liveness state",
		},
		[]string{"state"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterrunner_api_requests_total",
			Help: "Total number of API requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clusterrunner_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func init() {
	prometheus.MustRegister(BuildsSubmittedTotal)
	prometheus.MustRegister(BuildsFinishedTotal)
	prometheus.MustRegister(BuildDuration)
	prometheus.MustRegister(BuildsInProgress)
	prometheus.MustRegister(SubjobDispatchDuration)
	prometheus.MustRegister(SubjobsCompletedTotal)
	prometheus.MustRegister(WorkerAllocationDuration)
	prometheus.MustRegister(IdleWorkersGauge)
	prometheus.MustRegister(ExecutorsInUseGauge)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
