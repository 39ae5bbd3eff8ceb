package congestion

import (
	"github.com/go-i2p/go-tunneler/lib/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	packetsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.NamespacePrefix,
		Subsystem: "congestion",
		Name:      "packets_sent_total",
		Help:      "Packets handed to the sender, including retransmissions.",
	}, []string{"policy"})

	retransmissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.NamespacePrefix,
		Subsystem: "congestion",
		Name:      "retransmissions_total",
		Help:      "Packets resent after the retransmit timeout.",
	}, []string{"policy"})

	packetsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.NamespacePrefix,
		Subsystem: "congestion",
		Name:      "packets_dropped_total",
		Help:      "Packets abandoned after the retransmission ceiling.",
	}, []string{"policy"})

	packetsAcked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.NamespacePrefix,
		Subsystem: "congestion",
		Name:      "packets_acked_total",
		Help:      "Tracked packets acknowledged by the peer.",
	}, []string{"policy"})

	rttSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.NamespacePrefix,
		Subsystem: "congestion",
		Name:      "rtt_seconds",
		Help:      "Round trip samples between last transmission and ack.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"policy"})
)

func init() {
	prometheus.MustRegister(packetsSent, retransmissions, packetsDropped, packetsAcked, rttSeconds)
}
