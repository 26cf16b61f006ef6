// Package metrics provides Prometheus metrics for fileferry.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "fileferry"
)

// Connection roles used as label values.
const (
	RoleServer = "server"
	RoleRelay  = "relay"
	RoleClient = "client"
)

// Metrics contains all Prometheus metrics for a fileferry process.
type Metrics struct {
	// Connection metrics
	ConnectionsActive *prometheus.GaugeVec
	ConnectionsTotal  *prometheus.CounterVec
	Disconnects       *prometheus.CounterVec

	// Request metrics
	Requests       *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	RequestErrors  *prometheus.CounterVec

	// Wire traffic
	BytesSent       *prometheus.CounterVec
	BytesReceived   *prometheus.CounterVec
	PacketsSent     *prometheus.CounterVec
	PacketsReceived *prometheus.CounterVec

	// Sessions
	SessionsActive prometheus.Gauge
	AuthFailures   prometheus.Counter

	// File resources
	ResourcesOpen     prometheus.Gauge
	ResourceConflicts prometheus.Counter
	ResourcesEvicted  prometheus.Counter

	// Relay
	RelayLegsActive prometheus.Gauge
	ReverseAttaches prometheus.Counter

	// Transfers
	TransferBlocks *prometheus.CounterVec
	TransferBytes  *prometheus.CounterVec

	HeartbeatRTT prometheus.Histogram

	Panics *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance on the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open connections by role",
		}, []string{"role"}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total connections by role and transport",
		}, []string{"role", "transport"}),
		Disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Total disconnections by role and reason",
		}, []string{"role", "reason"}),

		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total requests handled by message type",
		}, []string{"type"}),
		RequestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "Histogram of request latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"type"}),
		RequestErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_errors_total",
			Help:      "Total failed requests by message type and result code",
		}, []string{"type", "code"}),

		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total framed bytes written by role",
		}, []string{"role"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total framed bytes read by role",
		}, []string{"role"}),
		PacketsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Total physical packets written by role",
		}, []string{"role"}),
		PacketsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Total physical packets read by role",
		}, []string{"role"}),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live sessions",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total rejected logins and session resumes",
		}),

		ResourcesOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resources_open",
			Help:      "Number of open file resources",
		}),
		ResourceConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_conflicts_total",
			Help:      "Total resource requests denied by exclusivity rules",
		}),
		ResourcesEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resources_evicted_total",
			Help:      "Total file resources closed by the idle sweep",
		}),

		RelayLegsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_legs_active",
			Help:      "Number of relayed connection pairs",
		}),
		ReverseAttaches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reverse_attaches_total",
			Help:      "Total connections attached by reverse services",
		}),

		TransferBlocks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_blocks_total",
			Help:      "Total transfer blocks by direction and outcome",
		}, []string{"direction", "outcome"}),
		TransferBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Total file bytes transferred by direction",
		}, []string{"direction"}),

		HeartbeatRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "heartbeat_rtt_seconds",
			Help:      "Histogram of heartbeat round-trip time in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),

		Panics: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panics_total",
			Help:      "Total panics recovered by goroutine",
		}, []string{"goroutine"}),
	}
}

// RecordConnOpen records a new connection.
func (m *Metrics) RecordConnOpen(role, transport string) {
	m.ConnectionsActive.WithLabelValues(role).Inc()
	m.ConnectionsTotal.WithLabelValues(role, transport).Inc()
}

// RecordConnClose records a connection ending.
func (m *Metrics) RecordConnClose(role, reason string) {
	m.ConnectionsActive.WithLabelValues(role).Dec()
	m.Disconnects.WithLabelValues(role, reason).Inc()
}

// RecordRequest records one handled request. code is empty on success.
func (m *Metrics) RecordRequest(msgType, code string, latency time.Duration) {
	m.Requests.WithLabelValues(msgType).Inc()
	m.RequestLatency.WithLabelValues(msgType).Observe(latency.Seconds())
	if code != "" {
		m.RequestErrors.WithLabelValues(msgType, code).Inc()
	}
}

// RecordTraffic adds framing counters accumulated by a connection.
func (m *Metrics) RecordTraffic(role string, bytesSent, bytesReceived, packetsSent, packetsReceived int64) {
	m.BytesSent.WithLabelValues(role).Add(float64(bytesSent))
	m.BytesReceived.WithLabelValues(role).Add(float64(bytesReceived))
	m.PacketsSent.WithLabelValues(role).Add(float64(packetsSent))
	m.PacketsReceived.WithLabelValues(role).Add(float64(packetsReceived))
}

// RecordSessionCreated records a new session.
func (m *Metrics) RecordSessionCreated() {
	m.SessionsActive.Inc()
}

// RecordSessionDestroyed records a session ending.
func (m *Metrics) RecordSessionDestroyed() {
	m.SessionsActive.Dec()
}

// RecordAuthFailure records a rejected login.
func (m *Metrics) RecordAuthFailure() {
	m.AuthFailures.Inc()
}

// RecordResourceOpen records a file resource being opened.
func (m *Metrics) RecordResourceOpen() {
	m.ResourcesOpen.Inc()
}

// RecordResourceClose records a file resource being closed. evicted is
// true when the idle sweep closed it.
func (m *Metrics) RecordResourceClose(evicted bool) {
	m.ResourcesOpen.Dec()
	if evicted {
		m.ResourcesEvicted.Inc()
	}
}

// RecordResourceConflict records an exclusivity denial.
func (m *Metrics) RecordResourceConflict() {
	m.ResourceConflicts.Inc()
}

// RecordRelayOpen records a relay pair starting.
func (m *Metrics) RecordRelayOpen() {
	m.RelayLegsActive.Inc()
}

// RecordRelayClose records a relay pair ending.
func (m *Metrics) RecordRelayClose() {
	m.RelayLegsActive.Dec()
}

// RecordReverseAttach records a reverse service connection.
func (m *Metrics) RecordReverseAttach() {
	m.ReverseAttaches.Inc()
}

// RecordTransferBlock records one block moved or failed.
func (m *Metrics) RecordTransferBlock(direction string, ok bool, bytes int) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.TransferBlocks.WithLabelValues(direction, outcome).Inc()
	if ok {
		m.TransferBytes.WithLabelValues(direction).Add(float64(bytes))
	}
}

// RecordHeartbeat records a heartbeat round trip.
func (m *Metrics) RecordHeartbeat(rtt time.Duration) {
	m.HeartbeatRTT.Observe(rtt.Seconds())
}

// RecordPanic records a recovered panic.
func (m *Metrics) RecordPanic(goroutine string) {
	m.Panics.WithLabelValues(goroutine).Inc()
}
