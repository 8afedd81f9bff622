package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency. Shared across all routes.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "edge_gateway",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// TasksEnqueuedTotal counts EdgeTask rows created per message type.
var TasksEnqueuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "edge_gateway",
		Subsystem: "tasks",
		Name:      "enqueued_total",
		Help:      "Total number of edge tasks enqueued, by message type.",
	},
	[]string{"message_type"},
)

// TasksClaimedTotal counts successful lease claims from pullTasks.
var TasksClaimedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "edge_gateway",
		Subsystem: "tasks",
		Name:      "claimed_total",
		Help:      "Total number of task leases claimed by pull requests.",
	},
	[]string{"message_type"},
)

// TasksAckedTotal counts successful acks.
var TasksAckedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "edge_gateway",
		Subsystem: "tasks",
		Name:      "acked_total",
		Help:      "Total number of edge tasks acknowledged.",
	},
)

// TasksRequeuedTotal counts lease expiries and explicit failures that
// returned a task to the pending queue.
var TasksRequeuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "edge_gateway",
		Subsystem: "tasks",
		Name:      "requeued_total",
		Help:      "Total number of edge tasks requeued, by reason.",
	},
	[]string{"reason"}, // "lease_expired" | "worker_failed"
)

// TasksDeadLetteredTotal counts tasks that exhausted max_attempts.
var TasksDeadLetteredTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "edge_gateway",
		Subsystem: "tasks",
		Name:      "dead_lettered_total",
		Help:      "Total number of edge tasks moved to dead_letter.",
	},
)

// ResultsIngestedTotal counts ingestResult calls by duplicate outcome.
var ResultsIngestedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "edge_gateway",
		Subsystem: "results",
		Name:      "ingested_total",
		Help:      "Total number of result-ingestion requests, by duplicate outcome.",
	},
	[]string{"duplicate"},
)

// RuntimesRegisteredTotal counts successful runtime registrations.
var RuntimesRegisteredTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "edge_gateway",
		Subsystem: "runtimes",
		Name:      "registered_total",
		Help:      "Total number of runtime registrations completed.",
	},
)

// All returns all edge-gateway-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		TasksEnqueuedTotal,
		TasksClaimedTotal,
		TasksAckedTotal,
		TasksRequeuedTotal,
		TasksDeadLetteredTotal,
		ResultsIngestedTotal,
		RuntimesRegisteredTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional collectors.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
