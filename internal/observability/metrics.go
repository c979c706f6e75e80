package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_redis_error_rate_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// DatabaseQueryLatency records database query latency by operation and table.
	DatabaseQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loom_database_query_latency_seconds",
		Help:    "Database query latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// StreamSubscribers is the gauge of active event stream subscribers.
	StreamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loom_stream_subscribers",
		Help: "Number of active event stream subscribers",
	})

	// EventsPublished counts events fanned out by type.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_events_published_total",
		Help: "Total events published by type",
	}, []string{"event_type"})

	// StreamBackpressureDrops counts events dropped due to backpressure by strategy.
	StreamBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_stream_backpressure_drops_total",
		Help: "Total number of stream events dropped due to backpressure",
	}, []string{"strategy", "event_type"})

	// StreamDisconnects counts subscribers closed by the server.
	StreamDisconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_stream_disconnects_total",
		Help: "Total number of subscribers disconnected by the server",
	}, []string{"reason"})

	// ReplaySize records how many entries a reconnect replay delivered.
	ReplaySize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "loom_event_replay_entries",
		Help:    "Number of events replayed on reconnect",
		Buckets: []float64{0, 1, 5, 25, 100, 250, 500, 1000},
	})

	// ResyncRequired counts reconnects whose marker fell out of retention.
	ResyncRequired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_event_resync_required_total",
		Help: "Total number of reconnects that required a full resync",
	})

	// EventLogPruned counts event log rows removed by reason.
	EventLogPruned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_event_log_pruned_total",
		Help: "Total number of event log rows pruned",
	}, []string{"reason"})

	// EventLogRecordFailures counts events that could not be persisted on first try.
	EventLogRecordFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_event_log_record_failures_total",
		Help: "Total number of event log writes deferred for retry",
	})

	// RateLimitDecisions counts limiter decisions by operation and outcome.
	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_rate_limit_decisions_total",
		Help: "Total rate limit decisions by operation and outcome",
	}, []string{"operation", "outcome"})

	// GeneratedReplies counts assistant replies by how they ended.
	GeneratedReplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_generated_replies_total",
		Help: "Total assistant replies generated by outcome",
	}, []string{"outcome"})
)

// TrackQuery returns a function that records query latency when called (e.g. defer).
func TrackQuery(operation, table string) func() {
	start := time.Now()
	return func() {
		DatabaseQueryLatency.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
	}
}
