// Package metrics provides Prometheus metrics for the gateway and remote
// server.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "unicorn_tunnel"

// Metrics contains every Prometheus metric this system exposes.
type Metrics struct {
	// SOCKS5 / gateway metrics
	SOCKS5Connections      prometheus.Gauge
	SOCKS5ConnectionsTotal prometheus.Counter
	SOCKS5GreetingRejected prometheus.Counter
	SOCKS5ConnectLatency   prometheus.Histogram

	// Session metrics (remote server)
	SessionsActive  prometheus.Gauge
	SessionsTotal   prometheus.Counter
	SignatureErrors prometheus.Counter

	// Dial metrics
	DialSuccesses prometheus.Counter
	DialFailures  *prometheus.CounterVec
	DialLatency   prometheus.Histogram

	// UDP relay metrics
	UDPAssociationsActive prometheus.Gauge
	UDPAssociationsTotal  prometheus.Counter
	UDPDatagramsRelayed   *prometheus.CounterVec

	// Data transfer metrics
	BytesRelayed *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide default metrics instance, registered
// against prometheus.DefaultRegisterer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = New()
	})
	return defaultMetrics
}

// New creates a Metrics instance registered against the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against reg. Both
// endpoints construct their own private *prometheus.Registry rather than
// sharing the global default, so a gateway and a server in the same test
// binary never collide.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SOCKS5Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "socks5_connections_active",
			Help:      "Number of SOCKS5 client connections currently open.",
		}),
		SOCKS5ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_connections_total",
			Help:      "Total SOCKS5 client connections accepted.",
		}),
		SOCKS5GreetingRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_greeting_rejected_total",
			Help:      "Total SOCKS5 greetings rejected for not being version 5 / no-auth.",
		}),
		SOCKS5ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "socks5_connect_latency_seconds",
			Help:      "Time from accepted SOCKS5 request to streaming state.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 15},
		}),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of active remote-server sessions (TCP or UDP tunnel).",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total remote-server sessions accepted.",
		}),
		SignatureErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signature_errors_total",
			Help:      "Total decrypted frames rejected for a bad frame signature.",
		}),

		DialSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_successes_total",
			Help:      "Total successful outbound dials to a true target.",
		}),
		DialFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_failures_total",
			Help:      "Total failed outbound dials, by reason.",
		}, []string{"reason"}),
		DialLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dial_latency_seconds",
			Help:      "Latency of outbound dials to the true target.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 15},
		}),

		UDPAssociationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_associations_active",
			Help:      "Number of active UDP associations.",
		}),
		UDPAssociationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_associations_total",
			Help:      "Total UDP associations established.",
		}),
		UDPDatagramsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_relayed_total",
			Help:      "Total UDP datagrams relayed, by direction.",
		}, []string{"direction"}),

		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Total bytes relayed, by direction.",
		}, []string{"direction"}),
	}
}

// RecordSOCKS5Connect records a new SOCKS5 client connection.
func (m *Metrics) RecordSOCKS5Connect() {
	m.SOCKS5Connections.Inc()
	m.SOCKS5ConnectionsTotal.Inc()
}

// RecordSOCKS5Disconnect records a SOCKS5 client disconnection.
func (m *Metrics) RecordSOCKS5Disconnect() {
	m.SOCKS5Connections.Dec()
}

// RecordSOCKS5GreetingRejected records an invalid SOCKS5 greeting.
func (m *Metrics) RecordSOCKS5GreetingRejected() {
	m.SOCKS5GreetingRejected.Inc()
}

// RecordSessionStart records a new remote-server session.
func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// RecordSessionEnd records a remote-server session tearing down.
func (m *Metrics) RecordSessionEnd() {
	m.SessionsActive.Dec()
}

// RecordSignatureError records a frame signature check failure.
func (m *Metrics) RecordSignatureError() {
	m.SignatureErrors.Inc()
}

// RecordDialSuccess records a successful outbound dial.
func (m *Metrics) RecordDialSuccess(latencySeconds float64) {
	m.DialSuccesses.Inc()
	m.DialLatency.Observe(latencySeconds)
}

// RecordDialFailure records a failed outbound dial.
func (m *Metrics) RecordDialFailure(reason string) {
	m.DialFailures.WithLabelValues(reason).Inc()
}

// RecordUDPAssociationOpen records a new UDP association.
func (m *Metrics) RecordUDPAssociationOpen() {
	m.UDPAssociationsActive.Inc()
	m.UDPAssociationsTotal.Inc()
}

// RecordUDPAssociationClose records a UDP association tearing down.
func (m *Metrics) RecordUDPAssociationClose() {
	m.UDPAssociationsActive.Dec()
}

// RecordUDPDatagram records one relayed UDP datagram in direction dir
// ("client_to_remote" or "remote_to_client").
func (m *Metrics) RecordUDPDatagram(dir string) {
	m.UDPDatagramsRelayed.WithLabelValues(dir).Inc()
}

// RecordBytes records n bytes relayed in direction dir ("uplink" or
// "downlink").
func (m *Metrics) RecordBytes(dir string, n int) {
	m.BytesRelayed.WithLabelValues(dir).Add(float64(n))
}
