// Package metrics holds the process-wide Prometheus collectors: HTTP
// traffic, the database pool, funding outcomes and rate limiting. Ledger,
// callback and gateway collectors live with their packages.
package metrics

import (
	"database/sql"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentwallet"

var (
	// HTTPRequestsTotal counts HTTP requests by method, route and status class.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern and status class.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// FundingRequestsTotal counts funding requests by final status.
	FundingRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "funding_requests_total",
			Help:      "Funding request executions by resulting status.",
		},
		[]string{"status"},
	)

	// RateLimitedTotal counts requests refused by the rate limiter.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests refused by the rate limiter, by route.",
		},
		[]string{"path"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		FundingRequestsTotal,
		RateLimitedTotal,
	)
}

// RegisterDB exports the connection pool stats of db as
// go_sql_* metrics labelled db_name=name. Registering a second pool under
// the same name replaces the first.
func RegisterDB(db *sql.DB, name string) error {
	c := collectors.NewDBStatsCollector(db, name)
	err := prometheus.Register(c)
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		prometheus.Unregister(are.ExistingCollector)
		err = prometheus.Register(c)
	}
	return err
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath() // route pattern keeps cardinality bounded
		if path == "" {
			path = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
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
