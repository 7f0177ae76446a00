// Package telemetry provides application-level observability for the plugin hub backend.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http(s)://<host>:<NH_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090.  The endpoint returns data in the Prometheus text exposition
// format (Content-Type: text/plain; version=0.0.4) and is intended to be scraped by
// a Prometheus server every 15–60 seconds.  It is NOT served by the Gin router and
// is therefore absent from the public API surface.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Plugin aggregation counters (merged, skipped by reason) and cycle duration
//   - Metadata fragment write counters by fragment type
//   - Activity aggregation run duration and commit-row counters
//   - Update notification counters by event kind
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /plugins/:name) rather than
// the raw request URL to prevent unbounded label cardinality from user-supplied path
// segments such as plugin names or version strings.  Aggregation metrics are never
// labelled by plugin name for the same reason.
//
// # Usage
//
// Import the package for side effects so metrics are registered before the HTTP server
// starts listening:
//
//	import _ "github.com/napari-hub/hub-backend/internal/telemetry"
//
// Or import it directly and use an exported var:
//
//	telemetry.PluginsAggregatedTotal.WithLabelValues("merged").Inc()
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics — labelled by method, route template, and status code.
//
// HTTPRequestsTotal is a CounterVec with labels {method, path, status}.
// The path label holds the Gin route template (e.g. /plugins/:name/versions/:version),
// NOT the raw URL, to prevent unbounded cardinality.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - Requests by route:                 sum by (path) (rate(http_requests_total[5m]))
//
// HTTPRequestDuration is a HistogramVec with labels {method, path} and exponential-ish
// buckets from 5 ms to 30 s.  Use histogram_quantile to compute latency percentiles.
//
// Example PromQL queries:
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
//   - Average latency:                   rate(http_request_duration_seconds_sum[5m]) / rate(http_request_duration_seconds_count[5m])
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Plugin update cycle metrics — recorded by the plugin update background job.
//
// PluginsAggregatedTotal is a CounterVec with label {outcome} incremented once per
// plugin processed in an update cycle.  Outcomes:
//
//	"merged"            — canonical record written
//	"skipped_no_pypi"   — package index fragment missing, retried next cycle
//	"skipped_stale"     — fragments unchanged since last cycle
//	"removed"           — plugin confirmed gone from the index and deleted
//	"error"             — processing aborted by an unexpected failure
//
// Example PromQL queries:
//   - Merge throughput:      rate(plugins_aggregated_total{outcome="merged"}[1h])
//   - Skip ratio:            sum(rate(plugins_aggregated_total{outcome=~"skipped.*"}[1h])) / sum(rate(plugins_aggregated_total[1h]))
//
// PluginUpdateCycleDuration is a Histogram observing one complete update cycle across
// all discovered plugins.  Cycles normally run on a multi-minute interval, so buckets
// extend well past the HTTP defaults.
//
// Example PromQL queries:
//   - p95 cycle duration:  histogram_quantile(0.95, rate(plugin_update_cycle_duration_seconds_bucket[6h]))
var (
	PluginsAggregatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plugins_aggregated_total",
			Help: "Total number of plugins processed by the update job, by outcome.",
		},
		[]string{"outcome"},
	)

	PluginUpdateCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "plugin_update_cycle_duration_seconds",
			Help:    "Duration of a single complete plugin update cycle.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)
)

// FragmentWritesTotal is a CounterVec with label {type} ("pypi", "metadata",
// "distribution") incremented whenever a metadata fragment row is upserted.
//
// Example PromQL queries:
//   - Write rate by source:  sum by (type) (rate(fragment_writes_total[1h]))
var FragmentWritesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fragment_writes_total",
		Help: "Total number of metadata fragment rows written, by fragment type.",
	},
	[]string{"type"},
)

// Activity aggregation metrics — recorded by the activity aggregation background job.
//
// ActivityRunDuration is a HistogramVec with label {source} ("installs", "github")
// observing one full aggregation pass over a single analytics source.
//
// ActivityRowsWrittenTotal is a CounterVec with labels {source, granularity}
// ("day", "month", "total") counting rows committed per pass.  A stalled counter while
// checkpoints advance indicates an empty analytics window rather than a failure.
//
// Example PromQL queries:
//   - p95 pass duration:   histogram_quantile(0.95, sum by (source, le) (rate(activity_run_duration_seconds_bucket[24h])))
//   - Rows per pass:       increase(activity_rows_written_total[1h])
var (
	ActivityRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "activity_run_duration_seconds",
			Help:    "Duration of a single activity aggregation pass, by analytics source.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	ActivityRowsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activity_rows_written_total",
			Help: "Total number of activity rows committed, by source and granularity.",
		},
		[]string{"source", "granularity"},
	)
)

// NotificationsSentTotal is a CounterVec with label {kind} ("created", "updated",
// "removed", "blocked") incremented once per webhook notification successfully
// delivered by the update job.  An alert on a stalled counter combined with ongoing
// merges is a useful signal for webhook endpoint failures.
//
// Example PromQL queries:
//   - Rate of notifications sent:  sum by (kind) (rate(notifications_sent_total[24h]))
var NotificationsSentTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "notifications_sent_total",
		Help: "Total number of plugin change notifications successfully delivered, by event kind.",
	},
	[]string{"kind"},
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool.  It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request to avoid the overhead of sql.DB.Stats().
//
// Example PromQL queries:
//   - Pool utilisation (%): db_open_connections / <NH_DATABASE_MAX_CONNECTIONS> * 100
//   - Alert on near-exhaustion: db_open_connections > 20  (for max_connections=25)
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits cleanly when the database becomes unreachable (db.Ping fails),
// which happens automatically when the application shuts down and defers db.Close().
//
// Call this once, immediately after db.Connect() succeeds in main.go:
//
//	telemetry.StartDBStatsCollector(database)
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
