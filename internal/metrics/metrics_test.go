package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	registry := NewRegistry()
	m := NewMetrics(registry)

	m.ObserveOrderOp("create", "ok", 5*time.Millisecond)
	m.ObserveOrderOp("create", "ok", time.Millisecond)
	m.ObserveOrderOp("cancel", "invalid_state", time.Millisecond)
	m.IncLedgerConflict("reserve")
	m.ObserveRequest(http.MethodPost, "/api/orders", http.StatusCreated, time.Millisecond)
	m.SetWSClients(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.OrderOps.WithLabelValues("create", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OrderOps.WithLabelValues("cancel", "invalid_state")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerConflicts.WithLabelValues("reserve")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestCount.WithLabelValues("POST", "/api/orders", "201")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.WSClients))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveOrderOp("match", "ok", time.Millisecond)
		m.IncLedgerConflict("settle")
		m.ObserveRequest(http.MethodGet, "/healthz", http.StatusOK, time.Millisecond)
		m.SetWSClients(1)
	})
}

func TestHandler(t *testing.T) {
	registry := NewRegistry()
	m := NewMetrics(registry)
	m.IncLedgerConflict("release")

	rr := httptest.NewRecorder()
	Handler(registry).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.True(t, strings.Contains(body, `brokerage_ledger_conflicts_total{op="release"} 1`))
	assert.True(t, strings.Contains(body, "go_goroutines"))
}
