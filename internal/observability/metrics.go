package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	apiRequestsTotal  *prometheus.CounterVec
	apiLatencySeconds *prometheus.HistogramVec
	apiErrorsTotal    *prometheus.CounterVec

	flowRunsTotal       *prometheus.CounterVec
	flowDurationSeconds *prometheus.HistogramVec
	stageOutcomesTotal  *prometheus.CounterVec
	overridesTotal      *prometheus.CounterVec
	snapshotsTotal      *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the engine and its API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_api_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grader_api_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_api_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		flowRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_flow_runs_total",
			Help: "Flow runs by flow and final status.",
		}, []string{"flow", "status"})

		flowDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grader_flow_duration_seconds",
			Help:    "Wall time of flow runs.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"flow"})

		stageOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_stage_outcomes_total",
			Help: "Submission pipeline stage outcomes.",
		}, []string{"stage", "outcome"})

		overridesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_overrides_total",
			Help: "Deadline override changes pushed to the LMS.",
		}, []string{"action"})

		snapshotsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_snapshots_total",
			Help: "Snapshot requests and verification results.",
		}, []string{"result"})

		prometheus.MustRegister(
			apiRequestsTotal, apiLatencySeconds, apiErrorsTotal,
			flowRunsTotal, flowDurationSeconds, stageOutcomesTotal, overridesTotal, snapshotsTotal,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// FlowRuns exposes the counter of finished flow runs.
func FlowRuns() *prometheus.CounterVec {
	RegisterMetrics()
	return flowRunsTotal
}

// FlowDuration exposes the flow duration histogram.
func FlowDuration() *prometheus.HistogramVec {
	RegisterMetrics()
	return flowDurationSeconds
}

// StageOutcomes exposes the per-stage outcome counter.
func StageOutcomes() *prometheus.CounterVec {
	RegisterMetrics()
	return stageOutcomesTotal
}

// OverridesTotal exposes the override change counter.
func OverridesTotal() *prometheus.CounterVec {
	RegisterMetrics()
	return overridesTotal
}

// SnapshotsTotal exposes the snapshot counter.
func SnapshotsTotal() *prometheus.CounterVec {
	RegisterMetrics()
	return snapshotsTotal
}
