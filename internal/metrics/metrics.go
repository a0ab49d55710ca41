// Package metrics defines the Prometheus metrics the connection cache
// exposes, grounded on the proxy's own metrics.go: a handful of
// promauto-registered collectors declared upfront so any package can
// record against them without threading a registry through constructors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHitsTotal counts Get calls served from an already-open
	// connection.
	CacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polymongo_cache_hits_total",
		Help: "Total number of connection cache hits",
	})

	// CacheMissesTotal counts Get calls that required opening a new
	// connection.
	CacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polymongo_cache_misses_total",
		Help: "Total number of connection cache misses",
	})

	// CacheEvictionsTotal counts connections closed by eviction,
	// idle-timeout, or an explicit Close call.
	CacheEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polymongo_cache_evictions_total",
		Help: "Total number of connections closed",
	})

	// LiveConnections tracks the number of currently open tenant-database
	// connections.
	LiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polymongo_live_connections",
		Help: "Number of currently open tenant database connections",
	})

	// ActiveWatchStreams tracks the number of open change-stream cursors
	// across all live connections.
	ActiveWatchStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polymongo_active_watch_streams",
		Help: "Number of open change-stream cursors across all live connections",
	})

	// ConnectionErrorsTotal counts failed dial attempts.
	ConnectionErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polymongo_connection_errors_total",
		Help: "Total number of failed connection attempts",
	})
)
