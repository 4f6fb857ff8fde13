package broadcast

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "radiogo"

var (
	listenersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "listeners_connected",
		Help:      "Number of listeners currently registered.",
	})

	listenersEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "listeners_evicted_total",
		Help:      "Listeners dropped after a failed write.",
	})

	broadcastBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "broadcast_bytes_total",
		Help:      "Bytes released to the fan-out.",
	})

	probeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "probe_failures_total",
		Help:      "Bitrate probes that fell back to the configured bitrate.",
	})

	sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "sessions_started_total",
		Help:      "Broadcast sessions started.",
	})

	streaming = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "streaming",
		Help:      "1 while a broadcast session is active.",
	})
)
