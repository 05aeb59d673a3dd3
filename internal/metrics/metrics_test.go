package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveBackend("GET", "/schedules", 200, time.Millisecond)
	m.CacheFallback()
	m.SetBreakerState("backend", 1)
	m.ObserveRefresh(true, time.Second, 3, 0)
	m.ObserveHTTP("/health", 200)
	require.Nil(t, m.Registry())
}

func TestMetricsRecordAndExpose(t *testing.T) {
	m := New()
	m.ObserveBackend("GET", "/schedules", 200, 20*time.Millisecond)
	m.ObserveBackend("GET", "/schedules", 200, 30*time.Millisecond)
	m.ObserveRefresh(true, time.Second, 12, 1)
	m.SetBreakerState("backend", 2)

	require.Equal(t, 2.0, testutil.ToFloat64(m.BackendRequests.WithLabelValues("GET", "/schedules", "200")))
	require.Equal(t, 12.0, testutil.ToFloat64(m.OccurrencesExpanded))
	require.Equal(t, 1.0, testutil.ToFloat64(m.SchedulesTruncated))
	require.Equal(t, 2.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("backend")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "helicare_backend_requests_total")
}
