// Package metrics holds the Prometheus namespace shared by go-tunneler
// packages and the HTTP handler that exposes it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// NamespacePrefix is the namespace of prometheus metrics
	NamespacePrefix = "tunneler"
)

// Handler serves every collector registered with the default registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
}
