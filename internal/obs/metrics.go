// Copyright 2025 James Ross
package obs

import (
    "fmt"
    "net/http"

    "github.com/synthgen/dispatcher/internal/config"
    "github.com/prometheus/client_golang/prometheus"
    promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
    BatchesIngested = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "batches_ingested_total",
        Help: "Total number of batch_jobs messages successfully ingested",
    })
    TasksEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "tasks_enqueued_total",
        Help: "Total number of task lines published to the tasks queue",
    })
    TasksExecuted = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "tasks_executed_total",
        Help: "Total number of tasks that reached a terminal state",
    })
    TasksCached = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "tasks_cached_total",
        Help: "Total number of tasks completed from a cached body_hash match",
    })
    TasksFailed = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "tasks_failed_total",
        Help: "Total number of tasks that transitioned to FAILED",
    })
    TasksRetried = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "tasks_retried_total",
        Help: "Total number of task execution retries",
    })
    TaskProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
        Name:    "task_processing_duration_seconds",
        Help:    "Histogram of task processing durations, from PROCESSING to terminal",
        Buckets: prometheus.DefBuckets,
    })
    QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Name: "queue_depth",
        Help: "Current message count of broker queues",
    }, []string{"queue"})
    PendingEvents = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "pending_events",
        Help: "Current count of events in PENDING or PROCESSING status",
    })
    CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "circuit_breaker_state",
        Help: "0 Closed, 1 HalfOpen, 2 Open",
    })
    CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "circuit_breaker_trips_total",
        Help: "Count of times the circuit breaker transitioned to Open",
    })
    ReaperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "reaper_recovered_total",
        Help: "Total number of tasks re-published by the reaper after a heartbeat expired",
    })
    ReaperFailed = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "reaper_failed_total",
        Help: "Total number of tasks the reaper transitioned straight to FAILED after exhausting retries",
    })
    ExecutorActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "executor_active",
        Help: "Number of active execution worker goroutines",
    })
    IngestInvalidLines = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "dispatcher_ingest_invalid_lines_total",
        Help: "Total number of JSONL lines skipped for failing validation during ingestion",
    })
)

func init() {
    prometheus.MustRegister(
        BatchesIngested, TasksEnqueued, TasksExecuted, TasksCached, TasksFailed, TasksRetried,
        TaskProcessingDuration, QueueDepth, PendingEvents,
        CircuitBreakerState, CircuitBreakerTrips,
        ReaperRecovered, ReaperFailed, ExecutorActive, IngestInvalidLines,
    )
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// Retained for callers that don't need the health/readiness endpoints of StartHTTPServer.
func StartMetricsServer(cfg *config.Config) *http.Server {
    mux := http.NewServeMux()
    mux.Handle("/metrics", promhttp.Handler())
    srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
    go func() { _ = srv.ListenAndServe() }()
    return srv
}
