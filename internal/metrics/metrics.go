// Package metrics exposes worldgate counters to Prometheus.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()
	initOnce sync.Once

	connectionsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worldgate_connections_accepted_total",
			Help: "Number of accepted client connections",
		},
	)
	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worldgate_connections_active",
			Help: "Number of open client connections",
		},
	)
	connectionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worldgate_connection_errors_total",
			Help: "Number of connections closed by error, by kind",
		},
		[]string{"kind"},
	)
	authResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worldgate_auth_results_total",
			Help: "Number of authentication outcomes, by result",
		},
		[]string{"result"},
	)
	packetsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worldgate_packets_received_total",
			Help: "Number of framed packets received",
		},
	)
	packetsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worldgate_packets_sent_total",
			Help: "Number of framed packets sent",
		},
	)
	packetsCompressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worldgate_packets_compressed_total",
			Help: "Number of outbound packets sent in a compressed envelope",
		},
	)
	unknownOpcodes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worldgate_unknown_opcodes_total",
			Help: "Number of dropped packets with no registered handler",
		},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worldgate_sessions_active",
			Help: "Number of authenticated sessions",
		},
	)
	queueOverflows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worldgate_session_queue_overflows_total",
			Help: "Number of sessions kicked for exceeding the packet queue limit",
		},
	)
	lookupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worldgate_credential_lookup_seconds",
			Help:    "Duration of credential store lookups",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)
)

// Init registers all collectors. It is safe to call more than once.
func Init() {
	initOnce.Do(func() {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			connectionsAccepted,
			connectionsActive,
			connectionErrors,
			authResults,
			packetsReceived,
			packetsSent,
			packetsCompressed,
			unknownOpcodes,
			sessionsActive,
			queueOverflows,
			lookupDuration,
		)
	})
}

// Handler serves the registered metrics in the Prometheus text format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func ConnectionOpened() {
	connectionsAccepted.Inc()
	connectionsActive.Inc()
}

func ConnectionClosed() {
	connectionsActive.Dec()
}

func ConnectionError(kind string) {
	connectionErrors.WithLabelValues(kind).Inc()
}

func AuthResult(result string) {
	authResults.WithLabelValues(result).Inc()
}

func PacketReceived() {
	packetsReceived.Inc()
}

func PacketSent(compressed bool) {
	packetsSent.Inc()
	if compressed {
		packetsCompressed.Inc()
	}
}

func UnknownOpcode() {
	unknownOpcodes.Inc()
}

func SessionOpened() {
	sessionsActive.Inc()
}

func SessionClosed() {
	sessionsActive.Dec()
}

func QueueOverflow() {
	queueOverflows.Inc()
}

func ObserveLookup(d time.Duration) {
	lookupDuration.Observe(d.Seconds())
}
