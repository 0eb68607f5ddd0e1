package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRequest("cameras", "ok", time.Second)
		m.RecordAuth("ok")
		m.RecordCycle("ok")
		m.RecordFetch("cameras", "ok")
		m.SetSnapshotTime(time.Now())
	})
}

func TestRecorders(t *testing.T) {
	m := New("ufanet")

	m.RecordRequest("intercoms", "ok", 10*time.Millisecond)
	m.RecordRequest("intercoms", "timeout", 10*time.Millisecond)
	m.RecordAuth("unauthorized")
	m.RecordCycle("partial")
	m.RecordFetch("cameras", "connection_failed")
	m.SetSnapshotTime(time.Unix(1700000000, 0))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("intercoms", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("intercoms", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Auth.WithLabelValues("unauthorized")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PollCycles.WithLabelValues("partial")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResourceFetches.WithLabelValues("cameras", "connection_failed")))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(m.SnapshotTimestamp))

	n, err := testutil.GatherAndCount(m.Registry(), "ufanet_requests_total", "ufanet_request_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRegistriesArePrivate(t *testing.T) {
	a, b := New("ufanet"), New("ufanet")
	a.RecordAuth("ok")

	n, err := testutil.GatherAndCount(b.Registry(), "ufanet_auth_total")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New("ufanet")
	m.RecordCycle("ok")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `ufanet_poll_cycles_total{outcome="ok"} 1`)
}
