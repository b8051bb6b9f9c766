package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallStarted(t *testing.T) {
	m := New()

	done := m.CallStarted("math")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.callsInFlight.WithLabelValues("math")))

	done("completed", 3)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.callsInFlight.WithLabelValues("math")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.callCounter.WithLabelValues("math", "completed")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.forwarded.WithLabelValues("math")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.callDuration))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("GET", "/x", 200, time.Millisecond)
	m.CallStarted("math")("error", 0)
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.ObserveRequest("GET", "/health", 200, time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(a.requestCounter.WithLabelValues("GET", "/health", "200")))
	assert.Equal(t, 0, testutil.CollectAndCount(b.requestCounter))
}

func TestHandler(t *testing.T) {
	m := New()
	m.CallStarted("math")("aborted", 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `agentproxy_remote_calls_total{agent="math",status="aborted"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
