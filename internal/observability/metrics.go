package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "edgechat",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "WebSocket sessions currently joined to the room.",
		},
	)
	sessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "edgechat",
			Subsystem: "sessions",
			Name:      "total",
			Help:      "WebSocket sessions accepted since start.",
		},
	)
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgechat",
			Subsystem: "messages",
			Name:      "total",
			Help:      "Inbound client messages by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	membersEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "edgechat",
			Subsystem: "members",
			Name:      "evicted_total",
			Help:      "Members dropped because their outbox was full.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgechat",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgechat",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(sessionsActive, sessionsTotal, messagesTotal, membersEvicted, httpRequests, httpDuration)
	})
}

func SessionOpened() {
	RegisterMetrics()
	sessionsActive.Inc()
	sessionsTotal.Inc()
}

func SessionClosed() {
	RegisterMetrics()
	sessionsActive.Dec()
}

// RecordMessage counts one inbound message; outcome is "accepted" or "rejected".
func RecordMessage(kind, outcome string) {
	RegisterMetrics()
	if kind == "" {
		kind = "unknown"
	}
	messagesTotal.WithLabelValues(kind, outcome).Inc()
}

func RecordEviction() {
	RegisterMetrics()
	membersEvicted.Inc()
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
