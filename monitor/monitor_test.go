package monitor

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_ObserveAction(t *testing.T) {
	m := NewMonitor("kt", prometheus.NewRegistry())

	m.ObserveAction("claim_seat", "none", 3*time.Millisecond)
	m.ObserveAction("claim_seat", "conflict", time.Millisecond)
	m.ObserveAction("claim_seat", "conflict", time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.Actions.WithLabelValues("claim_seat", "none")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.metrics.Actions.WithLabelValues("claim_seat", "conflict")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.metrics.ActionLatency))
}

func TestMonitor_SessionsAndMessages(t *testing.T) {
	m := NewMonitor("kt", prometheus.NewRegistry())

	m.IncOnlineSessions()
	m.IncOnlineSessions()
	m.DecOnlineSessions()
	m.IncMessagesReceived()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.OnlineSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.MessagesReceived))
}

func TestMonitor_HandlerExposesGauges(t *testing.T) {
	m := NewMonitor("kt", prometheus.NewRegistry())
	m.TrackGauge("subscribers", "Live change subscriptions", func() float64 { return 7 })

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "kt_subscribers 7"), "got %s", body)
}

func TestMonitor_SeparateRegistries(t *testing.T) {
	// each monitor owns its registry, so several can coexist
	assert.NotPanics(t, func() {
		NewMonitor("kt", prometheus.NewRegistry())
		NewMonitor("kt", prometheus.NewRegistry())
	})
}
