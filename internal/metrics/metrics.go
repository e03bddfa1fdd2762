// Package metrics provides Prometheus instrumentation for the trust engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trustgate"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DecisionsTotal counts authorization decisions.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total authorization decisions by outcome.",
		},
		[]string{"decision"},
	)

	// TrustScore observes aggregate trust scores.
	TrustScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "trust_score",
		Help:      "Aggregate trust score per scored action.",
		Buckets:   prometheus.LinearBuckets(10, 10, 10),
	})

	// FactorSubscore observes each factor's sub-score.
	FactorSubscore = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "factor_subscore",
			Help:      "Risk factor sub-score per scored action.",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		},
		[]string{"factor"},
	)

	// ScoringDuration observes end-to-end scoring latency.
	ScoringDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "scoring_duration_seconds",
		Help:      "Time to score one action, including audit append.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// ChallengesIssuedTotal counts challenge issuance; reused="true" when a
	// pending challenge was returned instead of a new one.
	ChallengesIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenges_issued_total",
			Help:      "Total MFA challenge issuance requests.",
		},
		[]string{"reused"},
	)

	// ChallengeOutcomesTotal counts verification attempts by outcome.
	ChallengeOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenge_outcomes_total",
			Help:      "Total MFA verification attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// BreakerTransitionsTotal counts circuit state changes on audit mirrors.
	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuitbreaker",
			Name:      "state_transitions_total",
			Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
		},
		[]string{"key", "from_state", "to_state"},
	)

	// AuditWriteFailuresTotal counts audit appends that failed to persist.
	AuditWriteFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Audit log writes that failed, by sink.",
		},
		[]string{"sink"},
	)

	// SignalWriteFailuresTotal counts signal store write-backs that failed.
	SignalWriteFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signal_write_failures_total",
		Help:      "Signal store write-backs that failed after scoring.",
	})

	// VelocityWindowSize observes the per-user window count seen at scoring.
	VelocityWindowSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "velocity_window_size",
		Help:      "Actions in the user's velocity window when scored.",
		Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34, 55, 100},
	})

	// RateLimitedTotal counts requests rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-client rate limiter.",
	})

	// StreamClients tracks connected decision stream clients.
	StreamClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stream_clients",
		Help:      "Connected WebSocket decision stream clients.",
	})

	// StreamDroppedTotal counts events the stream hub could not enqueue.
	StreamDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_dropped_total",
		Help:      "Stream events dropped because the hub queue was full.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DecisionsTotal,
		TrustScore,
		FactorSubscore,
		ScoringDuration,
		ChallengesIssuedTotal,
		ChallengeOutcomesTotal,
		AuditWriteFailuresTotal,
		BreakerTransitionsTotal,
		SignalWriteFailuresTotal,
		VelocityWindowSize,
		RateLimitedTotal,
		StreamClients,
		StreamDroppedTotal,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not raw path
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
