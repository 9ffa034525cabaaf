package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ef",
		Name:      "jobs_processed_total",
		Help:      "Jobs that reached a terminal status",
	}, []string{"kind", "status"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ef",
		Name:      "job_duration_seconds",
		Help:      "Wall time from claim to terminal status",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"kind"})

	QueueMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ef",
		Name:      "queue_messages_total",
		Help:      "Received queue messages by outcome",
	}, []string{"outcome"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ef",
		Name:      "queue_depth",
		Help:      "Number of job messages waiting in the queue",
	})

	FaceIndexCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ef",
		Name:      "face_index_calls_total",
		Help:      "Face index service calls by operation and outcome",
	}, []string{"op", "outcome"})

	FaceIndexDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ef",
		Name:      "face_index_call_duration_seconds",
		Help:      "Duration of face index service calls",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"op"})

	FaceIndexInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ef",
		Name:      "face_index_in_flight",
		Help:      "Face index service calls currently running",
	})

	Retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ef",
		Name:      "retries_total",
		Help:      "Retried operations",
	}, []string{"op"})

	InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ef",
		Name:      "inference_duration_seconds",
		Help:      "Duration of local ML inference stages",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"stage"})

	MatchesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ef",
		Name:      "matches_written_total",
		Help:      "Face match rows inserted or updated",
	})

	MatchesRetracted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ef",
		Name:      "matches_retracted_total",
		Help:      "Face match rows deleted by reconciliation",
	})

	OrphansPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ef",
		Name:      "orphan_faces_purged_total",
		Help:      "External faces removed by collection purge",
	})

	BlobDeleteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ef",
		Name:      "blob_delete_failures_total",
		Help:      "Blob keys a batched delete could not remove",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ef",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)
