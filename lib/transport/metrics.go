package transport

import (
	"github.com/go-i2p/go-tunneler/lib/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	datagramsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.NamespacePrefix,
		Subsystem: "socket",
		Name:      "datagrams_received_total",
		Help:      "Datagrams read from the socket.",
	})

	datagramsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.NamespacePrefix,
		Subsystem: "socket",
		Name:      "datagrams_sent_total",
		Help:      "Datagrams written to the socket.",
	})

	decodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.NamespacePrefix,
		Subsystem: "socket",
		Name:      "decode_errors_total",
		Help:      "Datagrams whose header could not be decoded.",
	})

	decryptFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.NamespacePrefix,
		Subsystem: "socket",
		Name:      "decrypt_failures_total",
		Help:      "Datagrams for a known tunnel that no key epoch opened.",
	})

	limited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.NamespacePrefix,
		Subsystem: "socket",
		Name:      "limited_total",
		Help:      "Datagrams ignored by the sender limiter, by reason.",
	}, []string{"reason"})

	hellos = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.NamespacePrefix,
		Subsystem: "socket",
		Name:      "hellos_total",
		Help:      "Inbound hellos, by outcome.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(datagramsReceived, datagramsSent, decodeErrors, decryptFailures, limited, hellos)
}
