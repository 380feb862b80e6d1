// Package metrics provides Prometheus instrumentation for the Ringlock platform.
package metrics

import (
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ringlock",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ringlock",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// CallSessionsTotal counts call sessions by final status.
	CallSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ringlock",
			Name:      "call_sessions_total",
			Help:      "Total finalized call sessions by final status.",
		},
		[]string{"status"},
	)

	// SettlementsTotal counts settlement outcomes.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ringlock",
			Name:      "settlements_total",
			Help:      "Total settlement attempts by result (forwarded, refunded, stuck).",
		},
		[]string{"result"},
	)

	// TelephonyCallbacksTotal counts inbound telephony callbacks by kind.
	TelephonyCallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ringlock",
			Name:      "telephony_callbacks_total",
			Help:      "Total inbound telephony callbacks by kind (voice, digit, status).",
		},
		[]string{"kind"},
	)

	// ScreeningResultsTotal counts screening outcomes (accepted, rejected, timeout).
	ScreeningResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ringlock",
			Name:      "screening_results_total",
			Help:      "Total screening dialogue outcomes.",
		},
		[]string{"result"},
	)

	// EscrowReferencesSwept counts garbage-collected escrow references.
	EscrowReferencesSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ringlock",
			Name:      "escrow_references_swept_total",
			Help:      "Total expired escrow references removed by the sweep.",
		},
	)

	// VerificationProofsSwept counts garbage-collected verification proofs.
	VerificationProofsSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ringlock",
			Name:      "verification_proofs_swept_total",
			Help:      "Total expired verification proofs removed by the sweep.",
		},
	)

	// StuckPayments tracks payments currently awaiting manual resolution.
	StuckPayments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ringlock",
			Name:      "stuck_payments",
			Help:      "Number of payments currently in the stuck state.",
		},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ringlock",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ringlock", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ringlock", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ringlock", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ringlock", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		CallSessionsTotal,
		SettlementsTotal,
		TelephonyCallbacksTotal,
		ScreeningResultsTotal,
		EscrowReferencesSwept,
		VerificationProofsSwept,
		StuckPayments,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// Middleware records HTTP metrics for each request.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		// Use the route pattern, not the raw path, to bound cardinality.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		status := c.Writer.Status()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusLabel(status)).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// CollectRuntime updates runtime gauges. Call periodically.
func CollectRuntime(db *sql.DB) {
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
	if db != nil {
		stats := db.Stats()
		DBOpenConnections.Set(float64(stats.OpenConnections))
		DBIdleConnections.Set(float64(stats.Idle))
		DBInUseConnections.Set(float64(stats.InUse))
	}
}
