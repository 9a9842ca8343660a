package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCountersAndHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("livehelp", reg)

	m.IncRequestEvent("created")
	m.IncRequestEvent("created")
	m.IncFinalization("timeout")
	m.IncSideEffectError("revoke_permission")
	m.SetActiveSessions(3)
	m.AddWaiting(2)
	m.AddWaiting(-1)
	m.ObserveWait(StageWaitToAccept, 90*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestEvents.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Finalizations.WithLabelValues("timeout")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WaitingRequests))
	require.Len(t, m.WaitStats().Stages, 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "livehelp_side_effect_errors_total"))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncRequestEvent("created")
		m.IncFinalization("rejected")
		m.IncSideEffectError("mute")
		m.IncPlatformRetry("move")
		m.SetActiveSessions(1)
		m.AddWaiting(1)
		m.ObserveWait(StageWaitToAccept, time.Second)
	})
	assert.Empty(t, m.WaitStats().Stages)
}
