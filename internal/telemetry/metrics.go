// Package telemetry provides logging setup and Prometheus metrics for the pack registry.
//
// All metrics are registered against the default Prometheus registry and served on
// the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<PKR_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// HTTP metrics are labelled by the Gin route template (c.FullPath()), never the raw
// URL, so pack names and versions do not create unbounded label sets.
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template and status code.
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

// Pack lifecycle metrics.
//
// PackPublishesTotal is labelled by result: "published", "duplicate", "invalid",
// "forbidden" or "error".
var (
	PackPublishesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pack_publishes_total",
			Help: "Total number of publish attempts, by result.",
		},
		[]string{"result"},
	)

	PackDownloadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pack_downloads_total",
			Help: "Total number of pack tarball downloads.",
		},
	)
)

// RateLimitRejectionsTotal is labelled by limiter ("publish" or "general").
var RateLimitRejectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rate_limit_rejections_total",
		Help: "Total number of requests rejected by a rate limiter.",
	},
	[]string{"limiter"},
)

// MCPToolCallsTotal counts tools/call invocations by tool name.
var MCPToolCallsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mcp_tool_calls_total",
		Help: "Total number of JSON-RPC tool calls, by tool.",
	},
	[]string{"tool"},
)

// StorageBreakerOpenTotal counts transitions of the storage circuit breaker into the open state.
var StorageBreakerOpenTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "storage_breaker_open_total",
		Help: "Total number of times the storage circuit breaker tripped.",
	},
)

// OrphanedBlobsTotal counts tarballs left in storage after their rows were deleted or rolled back.
var OrphanedBlobsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "storage_orphaned_blobs_total",
		Help: "Total number of tarballs that could not be removed after their version was gone.",
	},
)

// DBOpenConnections is sampled every 30 seconds by StartDBStatsCollector.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples the pool every interval until ctx is done or the
// database stops answering pings.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.PingContext(ctx); err != nil {
					slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
					return
				}
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			}
		}
	}()
}
