package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ActionApplied("draw")
	m.ActionApplied("draw")
	m.ActionDropped("malformed")
	m.Persisted(PersistWritten)
	m.BroadcastSkipped()
	m.SetSessions(3)
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.actions.WithLabelValues("draw")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("malformed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.persist.WithLabelValues(PersistWritten)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.broadcastSkipped))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.sessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ActionApplied("draw")
	m.Persisted(PersistFailed)
	m.SetSessions(1)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New(nil)
	m.ActionApplied("clear")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `whiteboard_actions_total{type="clear"} 1`)
}
