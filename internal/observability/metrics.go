package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewsctl",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Total wire protocol requests served.",
		},
		[]string{"op", "status"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "viewsctl",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Wire protocol request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op", "status"},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "viewsctl",
			Subsystem: "rpc",
			Name:      "active_sessions",
			Help:      "Client connections holding a live CCI.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewsctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "viewsctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(rpcRequests, rpcDuration, activeSessions, httpRequests, httpDuration)
	})
}

func RecordRPC(op string, status string, duration time.Duration) {
	RegisterMetrics()
	rpcRequests.WithLabelValues(op, status).Inc()
	rpcDuration.WithLabelValues(op, status).Observe(duration.Seconds())
}

func SessionOpened() {
	RegisterMetrics()
	activeSessions.Inc()
}

func SessionClosed() {
	RegisterMetrics()
	activeSessions.Dec()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
