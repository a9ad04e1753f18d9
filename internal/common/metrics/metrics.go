package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Worker metrics
var (
	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)

	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_job_duration_seconds",
			Help:    "Duration of job processing in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task_type"},
	)

	WorkerJobsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_jobs_active",
			Help: "Number of active jobs per worker",
		},
		[]string{"task_type"},
	)
)

// Matching engine metrics
var (
	ScoresComputed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matching_scores_computed_total",
			Help: "Pairwise scores served, by source (computed or cache)",
		},
		[]string{"source"},
	)

	CacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matching_cache_operations_total",
			Help: "Score cache operations by result",
		},
		[]string{"op", "result"},
	)

	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matching_cache_errors_total",
			Help: "Score cache backend errors that fell through to live computation",
		},
		[]string{"op"},
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "matching_cache_evictions_total",
			Help: "Entries removed from the in-memory score cache by expiry or capacity",
		},
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "matching_batch_size",
			Help:    "Number of candidates per ScoreCandidates call",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	CandidateFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "matching_candidate_failures_total",
			Help: "Candidates skipped inside a batch because they could not be scored",
		},
	)
)

// Embedding provider metrics
var (
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "embedding_requests_total",
			Help: "Embedding provider calls by result",
		},
		[]string{"result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "embedding_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)
