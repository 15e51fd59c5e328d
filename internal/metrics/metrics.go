package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ChainHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "retargetd",
		Name:      "chain_height",
		Help:      "Height of the best connected header.",
	})

	CurrentBits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "retargetd",
		Name:      "current_bits",
		Help:      "Compact target of the tip header.",
	})

	NextBits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "retargetd",
		Name:      "next_bits",
		Help:      "Compact target required of the next header.",
	})

	Difficulty = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "retargetd",
		Name:      "difficulty",
		Help:      "Difficulty of the tip header relative to the network limit.",
	})

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "retargetd",
		Name:      "peers_connected",
		Help:      "Number of connected P2P peers.",
	})

	HeadersConnected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "retargetd",
		Name:      "headers_connected_total",
		Help:      "Total headers validated and connected.",
	})

	HeadersRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retargetd",
		Name:      "headers_rejected_total",
		Help:      "Headers rejected by validation, by source.",
	}, []string{"source"})

	Retargets = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "retargetd",
		Name:      "retargets_total",
		Help:      "Connected headers whose target differs from their parent's.",
	})

	FollowerErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "retargetd",
		Name:      "follower_errors_total",
		Help:      "Failed RPC polls of the upstream node.",
	})

	UptimeSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "retargetd",
		Name:      "uptime_seconds",
		Help:      "Node uptime in seconds.",
	})
)

func init() {
	prometheus.MustRegister(
		ChainHeight,
		CurrentBits,
		NextBits,
		Difficulty,
		PeersConnected,
		HeadersConnected,
		HeadersRejected,
		Retargets,
		FollowerErrors,
		UptimeSeconds,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
