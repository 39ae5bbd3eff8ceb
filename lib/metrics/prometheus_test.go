package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerServesRegisteredCollectors(t *testing.T) {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: NamespacePrefix,
		Subsystem: "test",
		Name:      "handler_hits_total",
		Help:      "Counter for the handler test.",
	})
	require.NoError(t, prometheus.Register(c))
	defer prometheus.Unregister(c)
	c.Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tunneler_test_handler_hits_total 1")
}
