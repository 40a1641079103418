package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "peerctl"

var (
	registerOnce sync.Once

	sessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "closed_total",
			Help:      "Peer sessions closed, by link direction and reason.",
		},
		[]string{"link", "reason"},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Peer sessions currently registered with the reactor.",
		},
	)
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wire",
			Name:      "messages_total",
			Help:      "Wire messages by direction and type.",
		},
		[]string{"direction", "type"},
	)
	parseErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wire",
			Name:      "parse_errors_total",
			Help:      "Connections dropped for framing or decode errors.",
		},
	)
	violations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "violations_total",
			Help:      "Protocol violations by kind.",
		},
		[]string{"kind"},
	)
	gossipDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gossip",
			Name:      "dropped_total",
			Help:      "Inbound announcements ignored, by reason.",
		},
		[]string{"reason"},
	)
	transfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "transfers_total",
			Help:      "Sync transfers by role and outcome.",
		},
		[]string{"role", "outcome"},
	)
	workItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "items_total",
			Help:      "Work items executed by kind and success.",
		},
		[]string{"kind", "success"},
	)
	workDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "item_duration_seconds",
			Help:      "Work item execution time in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	queueRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "rejected_total",
			Help:      "Work items refused because the queue was full.",
		},
		[]string{"kind"},
	)
	unitRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "unit_restarts_total",
			Help:      "Worker units replaced after a crash.",
		},
	)
	slotWraps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reactor",
			Name:      "slot_wraps_total",
			Help:      "Times the slot registry restarted at its initial value.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sessions, sessionsActive, messages, parseErrors, violations,
			gossipDropped, transfers, workItems, workDuration, queueRejected,
			unitRestarts, slotWraps, httpRequests, httpDuration,
		)
	})
}

func RecordSessionClosed(link, reason string) {
	RegisterMetrics()
	sessions.WithLabelValues(link, reason).Inc()
}

func SetSessionsActive(n int) {
	RegisterMetrics()
	sessionsActive.Set(float64(n))
}

func RecordMessage(direction, msgType string) {
	RegisterMetrics()
	messages.WithLabelValues(direction, msgType).Inc()
}

func RecordParseError() {
	RegisterMetrics()
	parseErrors.Inc()
}

func RecordViolation(kind string) {
	RegisterMetrics()
	violations.WithLabelValues(kind).Inc()
}

func RecordGossipDropped(reason string) {
	RegisterMetrics()
	gossipDropped.WithLabelValues(reason).Inc()
}

func RecordTransfer(role, outcome string) {
	RegisterMetrics()
	transfers.WithLabelValues(role, outcome).Inc()
}

func RecordWork(kind string, err error, duration time.Duration) {
	RegisterMetrics()
	workItems.WithLabelValues(kind, strconv.FormatBool(err == nil)).Inc()
	workDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordQueueRejected(kind string) {
	RegisterMetrics()
	queueRejected.WithLabelValues(kind).Inc()
}

func RecordUnitRestart() {
	RegisterMetrics()
	unitRestarts.Inc()
}

func RecordSlotWraps(n uint64) {
	RegisterMetrics()
	slotWraps.Add(float64(n))
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
